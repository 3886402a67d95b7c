package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dev/bravebird/browser-flow-go/pkg/models"
)

// Names shared by the workflow, the worker and API clients.
const (
	ProgressQuery          = "getProgress"
	RunFlowActivity        = "RunFlowActivity"
	RecordResultActivity   = "RecordResultActivity"
	DefaultTimeoutSeconds  = 120
	heartbeatTimeout       = 15 * time.Second
	recordActivityTimeout  = 30 * time.Second
	recordActivityAttempts = 5
)

// LoginNavigateWorkflow runs one login-and-navigate flow as a single
// activity. The flow is never retried: a second attempt would submit the
// login form again.
func LoginNavigateWorkflow(ctx workflow.Context, input models.FlowInput) (models.FlowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting login-navigate workflow", "runID", input.RunID, "profile", input.Profile, "target", input.Target.URL)

	result := models.FlowResult{
		RunID:  input.RunID,
		Status: models.StatusRunning,
	}

	// Register query handler for real-time progress
	err := workflow.SetQueryHandler(ctx, ProgressQuery, func() (models.FlowResult, error) {
		return result, nil
	})
	if err != nil {
		logger.Error("Failed to register query handler", "error", err)
	}

	startTime := workflow.Now(ctx)

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	flowCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(timeout) * time.Second,
		HeartbeatTimeout:    heartbeatTimeout,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var flowResult models.FlowResult
	err = workflow.ExecuteActivity(flowCtx, RunFlowActivity, input).Get(flowCtx, &flowResult)
	switch {
	case err == nil:
		result = flowResult
		result.RunID = input.RunID
	case temporal.IsCanceledError(err):
		result.Status = models.StatusCanceled
		result.ErrorKind = "canceled"
		result.ErrorMessage = "run canceled"
	default:
		result.Status = models.StatusFailed
		result.ErrorMessage = err.Error()
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) {
			result.ErrorKind = appErr.Type()
		}
	}
	result.TotalDuration = workflow.Now(ctx).Sub(startTime).Milliseconds()

	// Record even when the workflow itself was canceled
	recordCtx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	recordCtx = workflow.WithActivityOptions(recordCtx, workflow.ActivityOptions{
		StartToCloseTimeout: recordActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    recordActivityAttempts,
		},
	})
	if err := workflow.ExecuteActivity(recordCtx, RecordResultActivity, result).Get(recordCtx, nil); err != nil {
		logger.Warn("Failed to record run result", "runID", input.RunID, "error", err.Error())
	}

	logger.Info("Workflow completed", "status", result.Status, "duration", result.TotalDuration)
	return result, nil
}
