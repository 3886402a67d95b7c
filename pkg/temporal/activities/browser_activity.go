package activities

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/controller"
	"dev/bravebird/browser-flow-go/pkg/flow"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/secrets"
)

// Non-retryable application error types returned by RunFlowActivity.
const (
	ErrTypeCredential = "CredentialError"
	ErrTypeDriver     = "DriverError"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	storeWriteTimeout        = 5 * time.Second
)

// RunStore persists run progress. Implemented by database.DB.
type RunStore interface {
	MarkRunStarted(ctx context.Context, id, sessionID string) error
	AppendEvent(ctx context.Context, runID string, change models.StateChange) error
	CompleteRun(ctx context.Context, result *models.FlowResult) error
}

// DriverFactory returns the browser driver for one run.
type DriverFactory func(headless bool) (browser.Driver, error)

// Activities holds activity implementations
type Activities struct {
	Secrets    secrets.Source
	Drivers    DriverFactory
	Controller *controller.Controller
	// Store may be nil, in which case nothing is persisted.
	Store             RunStore
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewActivities creates new activities
func NewActivities(src secrets.Source, drivers DriverFactory, ctrl *controller.Controller, store RunStore, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		Secrets:           src,
		Drivers:           drivers,
		Controller:        ctrl,
		Store:             store,
		Logger:            logger.Named("activities"),
		HeartbeatInterval: defaultHeartbeatInterval,
	}
}

// RunFlowActivity resolves the run's credential profile and executes the
// flow on a fresh browser session. Flow failures are reported in the result;
// only infrastructure problems are returned as errors.
func (a *Activities) RunFlowActivity(ctx context.Context, input models.FlowInput) (models.FlowResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Running flow", "runID", input.RunID, "profile", input.Profile, "target", input.Target.URL)

	cred, err := a.Secrets.Lookup(ctx, input.Profile)
	if err != nil {
		return models.FlowResult{}, temporal.NewNonRetryableApplicationError(
			"credential lookup failed", ErrTypeCredential, err)
	}
	driver, err := a.Drivers(input.Headless)
	if err != nil {
		return models.FlowResult{}, temporal.NewNonRetryableApplicationError(
			"browser driver unavailable", ErrTypeDriver, err)
	}

	progress := &progressTracker{}
	runLogger := a.Logger.With(zap.String("run_id", input.RunID))
	runner := flow.NewRunner(driver, a.Controller, runLogger, flow.WithObserver(flow.ObserverFunc(func(c models.StateChange) {
		progress.set(c.To)
		activity.RecordHeartbeat(ctx, c.To)
		a.recordTransition(ctx, input.RunID, c, progress)
	})))

	stop := a.heartbeat(ctx, progress)
	out, runErr := runner.Run(ctx, cred, input.Target)
	stop()

	result := resultFrom(input.RunID, out, runErr)
	if runErr != nil {
		logger.Warn("Flow failed", "runID", input.RunID, "step", result.FailedStep, "kind", result.ErrorKind)
	} else {
		logger.Info("Flow completed", "runID", input.RunID, "durationMs", result.TotalDuration)
	}
	return result, nil
}

// RecordResultActivity stores the final result of a run
func (a *Activities) RecordResultActivity(ctx context.Context, result models.FlowResult) error {
	if a.Store == nil {
		return nil
	}
	if err := a.Store.CompleteRun(ctx, &result); err != nil {
		return err
	}
	activity.GetLogger(ctx).Info("Run result recorded", "runID", result.RunID, "status", result.Status)
	return nil
}

func (a *Activities) recordTransition(ctx context.Context, runID string, c models.StateChange, p *progressTracker) {
	if a.Store == nil {
		return
	}
	// the closing transition happens during teardown, possibly after cancellation
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if p.markStarted() {
		if err := a.Store.MarkRunStarted(wctx, runID, c.SessionID); err != nil {
			a.Logger.Warn("Failed to mark run started", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if err := a.Store.AppendEvent(wctx, runID, c); err != nil {
		a.Logger.Warn("Failed to record state change", zap.String("run_id", runID), zap.Error(err))
	}
}

// heartbeat keeps the activity alive during long waits and lets Temporal
// deliver cancellation. The returned func stops it and waits for exit.
func (a *Activities) heartbeat(ctx context.Context, p *progressTracker) func() {
	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, p.get())
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func resultFrom(runID string, out flow.Outcome, err error) models.FlowResult {
	result := models.FlowResult{
		RunID:         runID,
		SessionID:     out.SessionID,
		Status:        models.StatusSuccess,
		FinalState:    out.FinalState,
		FailedStep:    string(out.FailedStep),
		ErrorKind:     string(out.ErrorKind),
		Transitions:   out.Transitions,
		TotalDuration: out.Elapsed.Milliseconds(),
	}
	if err != nil {
		result.Status = models.StatusFailed
		if errors.Is(err, flowerr.Canceled) {
			result.Status = models.StatusCanceled
		}
		result.ErrorMessage = err.Error()
	}
	return result
}

type progressTracker struct {
	mu      sync.Mutex
	state   models.SessionState
	started bool
}

func (p *progressTracker) set(s models.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *progressTracker) get() models.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// markStarted reports true exactly once.
func (p *progressTracker) markStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return false
	}
	p.started = true
	return true
}
