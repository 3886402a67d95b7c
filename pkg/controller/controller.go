// Package controller sequences locator and executor calls into the two
// high-level session operations, authenticate and navigate, and drives the
// session state machine while doing so.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/executor"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/locator"
	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/wait"
)

// LoginPage is the login form contract of the target site. It is external
// and versioned: a site redesign surfaces as NotFound or Ambiguous.
type LoginPage struct {
	URL           string
	IdentityField models.Selector
	SecretField   models.Selector
	Submit        models.Selector
	// Success must hold after submit for the login to count.
	Success models.Expectation
	// FailureIndicator, when set, ends the login wait early.
	FailureIndicator models.Selector
}

// Validate checks the contract is complete.
func (l LoginPage) Validate() error {
	if l.URL == "" {
		return errors.New("login url is empty")
	}
	for name, sel := range map[string]models.Selector{
		"identity field": l.IdentityField,
		"secret field":   l.SecretField,
		"submit":         l.Submit,
	} {
		if err := sel.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if !l.FailureIndicator.IsZero() {
		if err := l.FailureIndicator.Validate(); err != nil {
			return fmt.Errorf("failure indicator: %w", err)
		}
	}
	if l.Success.IsZero() {
		return errors.New("login success expectation is required")
	}
	return l.Success.Validate()
}

// Timeouts bound every wait the controller performs.
type Timeouts struct {
	PollInterval time.Duration
	Locate       time.Duration
	Auth         time.Duration
	Settle       time.Duration
	Navigate     time.Duration
}

// DefaultTimeouts returns the timeouts used when a field is zero.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PollInterval: 100 * time.Millisecond,
		Locate:       10 * time.Second,
		Auth:         15 * time.Second,
		Settle:       10 * time.Second,
		Navigate:     20 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.Locate <= 0 {
		t.Locate = d.Locate
	}
	if t.Auth <= 0 {
		t.Auth = d.Auth
	}
	if t.Settle <= 0 {
		t.Settle = d.Settle
	}
	if t.Navigate <= 0 {
		t.Navigate = d.Navigate
	}
	return t
}

// Controller holds no per-session state.
type Controller struct {
	login    LoginPage
	timeouts Timeouts
	locator  *locator.Locator
	executor *executor.Executor
	logger   *zap.Logger
}

// New creates a controller for one site contract.
func New(login LoginPage, timeouts Timeouts, loc *locator.Locator, exec *executor.Executor, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		login:    login,
		timeouts: timeouts.withDefaults(),
		locator:  loc,
		executor: exec,
		logger:   logger.Named("controller"),
	}
}

// Timeouts returns the effective timeouts.
func (c *Controller) Timeouts() Timeouts { return c.timeouts }

// Authenticate fills and submits the login form, then waits for the site to
// confirm the login. Nothing is resubmitted on failure.
func (c *Controller) Authenticate(ctx context.Context, sess *browser.Session, cred models.Credential) (err error) {
	action := "begin"
	defer func() {
		if err != nil {
			sess.Fail()
			err = flowerr.Annotate(err, flowerr.StepAuthenticate, action)
			sess.Logger().Warn("Authentication failed", zap.String("action", action), zap.Error(err))
		}
	}()

	if err = sess.Transition(models.StateAuthenticating); err != nil {
		return err
	}
	sess.Logger().Info("Authenticating", zap.String("login_url", c.login.URL))

	action = "open login page"
	if err = sess.Get(ctx, c.login.URL); err != nil {
		return err
	}

	action = "enter identity"
	if err = c.fill(ctx, sess, c.login.IdentityField, cred.Identity); err != nil {
		return err
	}
	action = "enter secret"
	if err = c.fill(ctx, sess, c.login.SecretField, cred.Secret); err != nil {
		return err
	}

	action = "submit"
	submit, err := c.locate(ctx, sess, c.login.Submit)
	if err != nil {
		return err
	}
	if err = c.executor.Click(ctx, sess, submit); err != nil {
		return err
	}
	// the submit may replace the document at any moment from here on
	sess.Invalidate()

	action = "verify login"
	if err = c.awaitLogin(ctx, sess); err != nil {
		return err
	}
	if err = sess.Transition(models.StateAuthenticated); err != nil {
		return err
	}
	sess.Logger().Info("Authenticated")
	return nil
}

func (c *Controller) fill(ctx context.Context, sess *browser.Session, sel models.Selector, value models.Secret) error {
	h, err := c.locate(ctx, sess, sel)
	if err != nil {
		return err
	}
	return c.executor.Type(ctx, sess, h, value)
}

func (c *Controller) locate(ctx context.Context, sess *browser.Session, sel models.Selector) (*browser.ElementHandle, error) {
	return c.locator.Locate(ctx, sess, sel, locator.Options{
		Timeout:      c.timeouts.Locate,
		PollInterval: c.timeouts.PollInterval,
	})
}

func (c *Controller) awaitLogin(ctx context.Context, sess *browser.Session) error {
	err := wait.Until(ctx, c.timeouts.PollInterval, c.timeouts.Auth, func(ctx context.Context) (bool, error) {
		if !c.login.FailureIndicator.IsZero() {
			rejected, err := c.locator.Present(ctx, sess, c.login.FailureIndicator)
			if err != nil {
				return false, transient(ctx, err)
			}
			if rejected {
				return false, flowerr.New(flowerr.AuthenticationFailed, "site reported a login error").ForSelector(c.login.FailureIndicator)
			}
		}
		ok, err := c.satisfied(ctx, sess, c.login.Success, c.login.URL)
		if err != nil {
			return false, transient(ctx, err)
		}
		return ok, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wait.ErrTimeout):
		return flowerr.New(flowerr.AuthenticationFailed, "%s not satisfied within %s after submit", c.login.Success, c.timeouts.Auth)
	default:
		return waitErr(err)
	}
}

// Settle waits until the current document is interactive and its URL held
// still for two consecutive polls.
func (c *Controller) Settle(ctx context.Context, sess *browser.Session) (err error) {
	defer func() {
		if err != nil {
			sess.Fail()
			err = flowerr.Annotate(err, flowerr.StepSettle, "await interactive page")
		}
	}()

	var lastURL string
	err = wait.Until(ctx, c.timeouts.PollInterval, c.timeouts.Settle, func(ctx context.Context) (bool, error) {
		var url, state string
		err := sess.Do(ctx, func(p browser.Page) error {
			var err error
			if url, err = p.CurrentURL(ctx); err != nil {
				return err
			}
			state, err = p.ReadyState(ctx)
			return err
		})
		if err != nil {
			lastURL = ""
			return false, transient(ctx, err)
		}
		stable := url == lastURL
		lastURL = url
		return stable && ready(state), nil
	})
	switch {
	case err == nil:
		sess.Logger().Debug("Page settled", zap.String("url", lastURL))
		return nil
	case errors.Is(err, wait.ErrTimeout):
		return flowerr.New(flowerr.NavigationTimeout, "page not interactive within %s", c.timeouts.Settle)
	default:
		return waitErr(err)
	}
}

// Navigate requests target.URL and waits for target.Expect to hold.
func (c *Controller) Navigate(ctx context.Context, sess *browser.Session, target models.NavigationTarget) (err error) {
	action := "begin"
	defer func() {
		if err != nil {
			sess.Fail()
			err = flowerr.Annotate(err, flowerr.StepNavigate, action)
			sess.Logger().Warn("Navigation failed", zap.String("url", target.URL), zap.Error(err))
		}
	}()

	if err = target.Validate(); err != nil {
		return flowerr.Wrap(flowerr.ActionFailed, err)
	}
	if err = sess.Transition(models.StateNavigating); err != nil {
		return err
	}

	action = "read current url"
	var from string
	if err = sess.Do(ctx, func(p browser.Page) error {
		var err error
		from, err = p.CurrentURL(ctx)
		return err
	}); err != nil {
		return err
	}

	expect := target.Expect
	if expect.IsZero() {
		expect = models.URLChanged()
		if from == target.URL {
			expect = models.DocumentReady()
		}
	}

	action = "request " + target.URL
	sess.Logger().Info("Navigating", zap.String("url", target.URL), zap.Stringer("expect", expect))
	if err = sess.Get(ctx, target.URL); err != nil {
		return err
	}

	action = "await " + expect.String()
	err = wait.Until(ctx, c.timeouts.PollInterval, c.timeouts.Navigate, func(ctx context.Context) (bool, error) {
		ok, err := c.satisfied(ctx, sess, expect, from)
		if err != nil {
			return false, transient(ctx, err)
		}
		return ok, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, wait.ErrTimeout):
		return flowerr.New(flowerr.NavigationTimeout, "%s not satisfied within %s", expect, c.timeouts.Navigate)
	default:
		return waitErr(err)
	}

	if err = sess.Transition(models.StateComplete); err != nil {
		return err
	}
	sess.Logger().Info("Navigation complete", zap.String("url", target.URL))
	return nil
}

// satisfied evaluates one page-state predicate once.
func (c *Controller) satisfied(ctx context.Context, sess *browser.Session, exp models.Expectation, fromURL string) (bool, error) {
	if exp.Kind == models.ExpectSelectorPresent {
		return c.locator.Present(ctx, sess, exp.Selector)
	}
	var ok bool
	err := sess.Do(ctx, func(p browser.Page) error {
		switch exp.Kind {
		case models.ExpectDocumentReady:
			state, err := p.ReadyState(ctx)
			ok = ready(state)
			return err
		case models.ExpectURLContains, models.ExpectURLChanged:
			url, err := p.CurrentURL(ctx)
			if err != nil {
				return err
			}
			if exp.Kind == models.ExpectURLContains {
				ok = strings.Contains(url, exp.Value)
			} else {
				ok = url != fromURL
			}
			return nil
		default:
			return flowerr.New(flowerr.ActionFailed, "unknown expectation kind %q", exp.Kind)
		}
	})
	return ok, err
}

func ready(state string) bool {
	return state == browser.ReadyInteractive || state == browser.ReadyComplete
}

// transient turns errors worth another poll into nil and fatal ones into a
// flow error.
func transient(ctx context.Context, err error) error {
	var fe *flowerr.Error
	switch {
	case errors.As(err, &fe):
		if fe.Kind == flowerr.ActionFailed && fe.Selector == nil {
			return err
		}
		if fe.Kind == flowerr.AuthenticationFailed || fe.Kind.Fatal() {
			return err
		}
		return nil
	case errors.Is(err, flowerr.ErrUnavailable), errors.Is(err, browser.ErrSessionClosed):
		return flowerr.Wrap(flowerr.DriverUnavailable, err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return nil
	}
}

// waitErr types a caller context ending the wait. A passed run deadline is
// a timeout, not a cancellation.
func waitErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return flowerr.FromContext(err)
	}
	return err
}
