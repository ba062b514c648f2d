package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "contractworkflow.v1.WorkflowService"

// UserIDMetadataKey carries the caller's user id.
const UserIDMetadataKey = "x-user-id"

// Method names.
const (
	MethodStartWorkflow     = "StartWorkflow"
	MethodSubmitForApproval = "SubmitForApproval"
	MethodResolveTask       = "ResolveTask"
	MethodGetInstanceStatus = "GetInstanceStatus"
	MethodListPending       = "ListPending"
	MethodAbort             = "Abort"
)

// FullMethod returns the invoke path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ── Messages ──────────────────────────────────────────────────────────────────

type StartWorkflowRequest struct {
	EntityID    string `json:"entity_id"`
	ScenarioID  string `json:"scenario_id"`
	Remark      string `json:"remark"`
	RequesterID string `json:"requester_id"`
}

type SubmitForApprovalRequest struct {
	EntityID    string `json:"entity_id"`
	Remark      string `json:"remark"`
	RequesterID string `json:"requester_id"`
	SubTypeCode string `json:"sub_type_code"`
	Amount      int64  `json:"amount"`
}

// StartWorkflowResponse is returned by both start methods. A blocked
// instance is reported through the error status, not here.
type StartWorkflowResponse struct {
	InstanceID string `json:"instance_id"`
	ScenarioID string `json:"scenario_id"`
	Status     string `json:"status"`
}

// ResolveTaskRequest resolves a task. AssigneeID falls back to the
// x-user-id metadata when empty.
type ResolveTaskRequest struct {
	TaskID     string `json:"task_id"`
	AssigneeID string `json:"assignee_id"`
	Outcome    string `json:"outcome"`
	Comment    string `json:"comment"`
}

type GetInstanceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

type InstanceStatusResponse struct {
	Status *service.InstanceStatus `json:"status"`
}

type ListPendingRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type ListPendingResponse struct {
	Tasks []*repository.Task `json:"tasks"`
}

type AbortRequest struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

type AbortResponse struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
}

// ── Service descriptor ────────────────────────────────────────────────────────

// WorkflowServer is implemented by the gRPC handler.
type WorkflowServer interface {
	StartWorkflow(context.Context, *StartWorkflowRequest) (*StartWorkflowResponse, error)
	SubmitForApproval(context.Context, *SubmitForApprovalRequest) (*StartWorkflowResponse, error)
	ResolveTask(context.Context, *ResolveTaskRequest) (*InstanceStatusResponse, error)
	GetInstanceStatus(context.Context, *GetInstanceStatusRequest) (*InstanceStatusResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	Abort(context.Context, *AbortRequest) (*AbortResponse, error)
}

// RegisterWorkflowServer registers srv on s.
func RegisterWorkflowServer(s grpc.ServiceRegistrar, srv WorkflowServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes WorkflowService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStartWorkflow, WorkflowServer.StartWorkflow),
		unary(MethodSubmitForApproval, WorkflowServer.SubmitForApproval),
		unary(MethodResolveTask, WorkflowServer.ResolveTask),
		unary(MethodGetInstanceStatus, WorkflowServer.GetInstanceStatus),
		unary(MethodListPending, WorkflowServer.ListPending),
		unary(MethodAbort, WorkflowServer.Abort),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "contractworkflow/v1/workflow.json",
}

func unary[Req, Resp any](name string, call func(WorkflowServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorkflowServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
