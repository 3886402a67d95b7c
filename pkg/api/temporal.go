package api

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/temporal/workflows"
)

// TemporalWorkflows implements WorkflowClient on a Temporal client
type TemporalWorkflows struct {
	client    client.Client
	taskQueue string
}

// NewTemporalWorkflows creates a WorkflowClient for taskQueue
func NewTemporalWorkflows(c client.Client, taskQueue string) *TemporalWorkflows {
	return &TemporalWorkflows{client: c, taskQueue: taskQueue}
}

// Start implements WorkflowClient
func (t *TemporalWorkflows) Start(ctx context.Context, input models.FlowInput) (string, string, error) {
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("browser-flow-%s", input.RunID),
		TaskQueue: t.taskQueue,
	}
	we, err := t.client.ExecuteWorkflow(ctx, opts, workflows.LoginNavigateWorkflow, input)
	if err != nil {
		return "", "", err
	}
	return we.GetID(), we.GetRunID(), nil
}

// Cancel implements WorkflowClient
func (t *TemporalWorkflows) Cancel(ctx context.Context, workflowID, runID string) error {
	return t.client.CancelWorkflow(ctx, workflowID, runID)
}

// Progress implements WorkflowClient
func (t *TemporalWorkflows) Progress(ctx context.Context, workflowID, runID string) (models.FlowResult, error) {
	var result models.FlowResult
	resp, err := t.client.QueryWorkflow(ctx, workflowID, runID, workflows.ProgressQuery)
	if err != nil {
		return result, err
	}
	err = resp.Get(&result)
	return result, err
}
