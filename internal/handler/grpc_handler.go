package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/rpc"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// GRPCHandler implements rpc.WorkflowServer.
type GRPCHandler struct {
	workflow *service.WorkflowService
	ledger   *service.TaskLedger
	logger   zerolog.Logger
}

var _ rpc.WorkflowServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(workflow *service.WorkflowService, ledger *service.TaskLedger, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		workflow: workflow,
		ledger:   ledger,
		logger:   logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID returns the caller id from x-user-id metadata, or "".
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(rpc.UserIDMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

// grpcError converts an application error to a status error. Details are
// appended to the message so that callers can correlate them.
func grpcError(err error) error {
	code := errors.CodeOf(err)
	msg := err.Error()
	if d := errors.DetailsOf(err); len(d) > 0 {
		msg = fmt.Sprintf("%s %v", msg, d)
	}
	return status.Error(errors.GRPCCode(code), msg)
}

// StartWorkflow starts an instance of an explicit scenario.
func (h *GRPCHandler) StartWorkflow(ctx context.Context, req *rpc.StartWorkflowRequest) (*rpc.StartWorkflowResponse, error) {
	h.logger.Info().
		Str("entity_id", req.EntityID).
		Str("scenario_id", req.ScenarioID).
		Msg("gRPC StartWorkflow called")

	requester := req.RequesterID
	if requester == "" {
		requester = userID(ctx)
	}
	inst, err := h.workflow.Start(ctx, service.StartRequest{
		EntityID:    req.EntityID,
		ScenarioID:  req.ScenarioID,
		Remark:      req.Remark,
		RequesterID: requester,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.StartWorkflowResponse{InstanceID: inst.ID, ScenarioID: inst.ScenarioID, Status: inst.Status}, nil
}

// SubmitForApproval starts an instance of the matching scenario.
func (h *GRPCHandler) SubmitForApproval(ctx context.Context, req *rpc.SubmitForApprovalRequest) (*rpc.StartWorkflowResponse, error) {
	requester := req.RequesterID
	if requester == "" {
		requester = userID(ctx)
	}
	inst, err := h.workflow.Submit(ctx, service.SubmitRequest{
		EntityID:    req.EntityID,
		Remark:      req.Remark,
		RequesterID: requester,
		SubTypeCode: req.SubTypeCode,
		Amount:      req.Amount,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.StartWorkflowResponse{InstanceID: inst.ID, ScenarioID: inst.ScenarioID, Status: inst.Status}, nil
}

// ResolveTask approves or rejects a task.
func (h *GRPCHandler) ResolveTask(ctx context.Context, req *rpc.ResolveTaskRequest) (*rpc.InstanceStatusResponse, error) {
	actor := req.AssigneeID
	if actor == "" {
		actor = userID(ctx)
	}
	st, err := h.workflow.Resolve(ctx, service.ResolveRequest{
		TaskID:  req.TaskID,
		ActorID: actor,
		Outcome: req.Outcome,
		Comment: req.Comment,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.InstanceStatusResponse{Status: st}, nil
}

// GetInstanceStatus returns an instance with its pending tasks.
func (h *GRPCHandler) GetInstanceStatus(ctx context.Context, req *rpc.GetInstanceStatusRequest) (*rpc.InstanceStatusResponse, error) {
	st, err := h.workflow.GetInstanceStatus(ctx, req.InstanceID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.InstanceStatusResponse{Status: st}, nil
}

// ListPending returns the caller's pending tasks.
func (h *GRPCHandler) ListPending(ctx context.Context, req *rpc.ListPendingRequest) (*rpc.ListPendingResponse, error) {
	assignee := req.AssigneeID
	if assignee == "" {
		assignee = userID(ctx)
	}
	tasks, err := h.ledger.ListPending(ctx, assignee)
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.ListPendingResponse{Tasks: tasks}, nil
}

// Abort terminates an instance.
func (h *GRPCHandler) Abort(ctx context.Context, req *rpc.AbortRequest) (*rpc.AbortResponse, error) {
	inst, err := h.workflow.Abort(ctx, req.InstanceID, userID(ctx), req.Reason)
	if err != nil {
		return nil, grpcError(err)
	}
	return &rpc.AbortResponse{InstanceID: inst.ID, Status: inst.Status}, nil
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("user_id", userID(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}
