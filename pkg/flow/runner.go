// Package flow runs the whole login-and-navigate sequence on a fresh
// browser session and always tears the session down afterwards.
package flow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/controller"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// Observer receives every session state transition as it happens.
type Observer interface {
	OnTransition(change models.StateChange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(change models.StateChange)

func (f ObserverFunc) OnTransition(change models.StateChange) { f(change) }

// Outcome summarises one run. FinalState is the state before teardown.
type Outcome struct {
	SessionID   string
	FinalState  models.SessionState
	FailedStep  flowerr.Step
	ErrorKind   flowerr.Kind
	Transitions []models.StateChange
	Elapsed     time.Duration
}

// Succeeded reports whether the run reached complete.
func (o Outcome) Succeeded() bool {
	return o.FinalState == models.StateComplete && o.ErrorKind == ""
}

// Runner is safe for concurrent use; every Run gets its own session.
type Runner struct {
	driver     browser.Driver
	controller *controller.Controller
	observer   Observer
	logger     *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver publishes state transitions to o.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a runner.
func NewRunner(driver browser.Driver, ctrl *controller.Controller, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{driver: driver, controller: ctrl, logger: logger.Named("flow")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run opens a session, authenticates with cred, waits for the post-login
// page to settle and navigates to target. The returned error is the first
// failure, if any.
func (r *Runner) Run(ctx context.Context, cred models.Credential, target models.NavigationTarget) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		out.Elapsed = time.Since(start)
		if err != nil {
			out.ErrorKind = flowerr.KindOf(err)
			out.FailedStep = flowerr.StepOf(err)
		}
	}()

	if err := cred.Validate(); err != nil {
		return out, flowerr.Annotate(flowerr.Wrap(flowerr.AuthenticationFailed, err), flowerr.StepAuthenticate, "check credential")
	}
	if err := target.Validate(); err != nil {
		return out, flowerr.Annotate(flowerr.Wrap(flowerr.ActionFailed, err), flowerr.StepNavigate, "check target")
	}

	sess, err := browser.Open(ctx, r.driver, r.logger)
	if err != nil {
		return out, flowerr.Annotate(err, flowerr.StepOpen, "open browser")
	}
	out.SessionID = sess.ID()
	if r.observer != nil {
		sess.OnStateChange(r.observer.OnTransition)
	}
	logger := sess.Logger()
	logger.Info("Flow started", zap.String("target", target.URL))

	defer func() {
		out.FinalState = sess.State()
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("Failed to close browser session", zap.Error(cerr))
		}
		out.Transitions = sess.History()
		if err != nil {
			logger.Error("Flow failed",
				zap.String("step", string(flowerr.StepOf(err))),
				zap.String("kind", string(flowerr.KindOf(err))),
				zap.Error(err))
			return
		}
		logger.Info("Flow completed", zap.Duration("elapsed", time.Since(start)))
	}()

	if err = r.controller.Authenticate(ctx, sess, cred); err != nil {
		return out, err
	}
	if err = checkpoint(ctx, sess, flowerr.StepSettle); err != nil {
		return out, err
	}
	if err = r.controller.Settle(ctx, sess); err != nil {
		return out, err
	}
	if err = checkpoint(ctx, sess, flowerr.StepNavigate); err != nil {
		return out, err
	}
	if err = r.controller.Navigate(ctx, sess, target); err != nil {
		return out, err
	}
	return out, nil
}

// checkpoint stops the run before step when ctx is already done.
func checkpoint(ctx context.Context, sess *browser.Session, step flowerr.Step) error {
	if ctx.Err() == nil {
		return nil
	}
	sess.Fail()
	return flowerr.Annotate(flowerr.FromContext(ctx.Err()), step, "begin")
}
