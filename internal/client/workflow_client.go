// Package client is the gRPC client of the workflow service, used by wfctl
// and by services embedding approvals.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/rpc"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// WorkflowClient is a gRPC client for the workflow service
type WorkflowClient struct {
	conn *grpc.ClientConn
}

// NewWorkflowClient creates a new workflow service gRPC client. Extra dial
// options are appended after the defaults.
func NewWorkflowClient(addr string, opts ...grpc.DialOption) (*WorkflowClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &WorkflowClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *WorkflowClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WorkflowClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, rpc.FullMethod(method), req, resp)
}

// StartWorkflow starts an instance of an explicit scenario.
func (c *WorkflowClient) StartWorkflow(ctx context.Context, req *rpc.StartWorkflowRequest) (*rpc.StartWorkflowResponse, error) {
	resp := new(rpc.StartWorkflowResponse)
	if err := c.invoke(ctx, rpc.MethodStartWorkflow, req, resp); err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	return resp, nil
}

// SubmitForApproval starts an instance of the scenario matching the entity.
func (c *WorkflowClient) SubmitForApproval(ctx context.Context, req *rpc.SubmitForApprovalRequest) (*rpc.StartWorkflowResponse, error) {
	resp := new(rpc.StartWorkflowResponse)
	if err := c.invoke(ctx, rpc.MethodSubmitForApproval, req, resp); err != nil {
		return nil, fmt.Errorf("failed to submit for approval: %w", err)
	}
	return resp, nil
}

// ResolveTask approves or rejects a task.
func (c *WorkflowClient) ResolveTask(ctx context.Context, req *rpc.ResolveTaskRequest) (*service.InstanceStatus, error) {
	resp := new(rpc.InstanceStatusResponse)
	if err := c.invoke(ctx, rpc.MethodResolveTask, req, resp); err != nil {
		return nil, fmt.Errorf("failed to resolve task: %w", err)
	}
	return resp.Status, nil
}

// GetInstanceStatus retrieves an instance with its pending tasks.
func (c *WorkflowClient) GetInstanceStatus(ctx context.Context, instanceID string) (*service.InstanceStatus, error) {
	resp := new(rpc.InstanceStatusResponse)
	if err := c.invoke(ctx, rpc.MethodGetInstanceStatus, &rpc.GetInstanceStatusRequest{InstanceID: instanceID}, resp); err != nil {
		return nil, fmt.Errorf("failed to get instance status: %w", err)
	}
	return resp.Status, nil
}

// ListPending lists pending tasks. An empty assignee lists the caller's.
func (c *WorkflowClient) ListPending(ctx context.Context, assigneeID string) ([]*repository.Task, error) {
	resp := new(rpc.ListPendingResponse)
	if err := c.invoke(ctx, rpc.MethodListPending, &rpc.ListPendingRequest{AssigneeID: assigneeID}, resp); err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return resp.Tasks, nil
}

// Abort terminates an instance.
func (c *WorkflowClient) Abort(ctx context.Context, instanceID, reason string) (*rpc.AbortResponse, error) {
	resp := new(rpc.AbortResponse)
	if err := c.invoke(ctx, rpc.MethodAbort, &rpc.AbortRequest{InstanceID: instanceID, Reason: reason}, resp); err != nil {
		return nil, fmt.Errorf("failed to abort workflow: %w", err)
	}
	return resp, nil
}

// Health reports the serving status of the workflow service.
func (c *WorkflowClient) Health(ctx context.Context) (string, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: rpc.ServiceName,
	}, grpc.CallContentSubtype("proto"))
	if err != nil {
		return "", fmt.Errorf("failed to check health: %w", err)
	}
	return resp.GetStatus().String(), nil
}
