// Package locator resolves selectors to live, interactable elements. Page
// rendering is asynchronous relative to the driver, so every lookup is a
// bounded poll rather than a single query.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/wait"
)

// Defaults used when Options leave a field zero.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 10 * time.Second
)

// Options tune a single Locate call.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// FirstMatch accepts the first interactable candidate in document order
	// instead of failing with Ambiguous.
	FirstMatch bool
}

// Locator holds no per-session state and may be shared between sessions.
type Locator struct {
	defaults Options
	logger   *zap.Logger
}

// New creates a locator with default options applied to every call.
func New(defaults Options, logger *zap.Logger) *Locator {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	if defaults.PollInterval <= 0 {
		defaults.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{defaults: defaults, logger: logger.Named("locator")}
}

// Defaults returns the options applied when a call leaves fields zero.
func (l *Locator) Defaults() Options { return l.defaults }

// scan is the result of one poll tick.
type scan struct {
	matches      int
	interactable []browser.ElementRef
}

// Locate polls until sel resolves to exactly one visible, enabled element
// and returns a handle to it.
func (l *Locator) Locate(ctx context.Context, sess *browser.Session, sel models.Selector, opts Options) (*browser.ElementHandle, error) {
	if err := sel.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.NotFound, err).ForSelector(sel)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = l.defaults.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = l.defaults.PollInterval
	}

	logger := sess.Logger().With(zap.Stringer("selector", sel))
	start := time.Now()
	var (
		last    scan
		lastErr error
		found   browser.ElementRef
		ticks   int
	)

	err := wait.Until(ctx, opts.PollInterval, opts.Timeout, func(ctx context.Context) (bool, error) {
		ticks++
		s, err := l.scan(ctx, sess, sel)
		if err != nil {
			if errors.Is(err, flowerr.ErrUnavailable) || errors.Is(err, browser.ErrSessionClosed) {
				return false, flowerr.Wrap(flowerr.DriverUnavailable, err).ForSelector(sel)
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// transient, e.g. the document was replaced mid-query
			lastErr = err
			logger.Debug("Lookup failed, retrying", zap.Error(err))
			return false, nil
		}
		last = s
		switch {
		case len(s.interactable) == 1, len(s.interactable) > 1 && opts.FirstMatch:
			found = s.interactable[0]
			return true, nil
		case len(s.interactable) > 1:
			return false, flowerr.New(flowerr.Ambiguous, "%d interactable candidates", len(s.interactable)).ForSelector(sel)
		}
		return false, nil
	})

	elapsed := time.Since(start)
	switch {
	case err == nil:
		logger.Debug("Element located", zap.Duration("elapsed", elapsed), zap.Int("polls", ticks))
		return browser.NewHandle(sess, sel, found), nil
	case errors.Is(err, wait.ErrTimeout):
		if last.matches > 0 {
			return nil, flowerr.New(flowerr.NotInteractable,
				"%d matches never became visible and enabled within %s", last.matches, opts.Timeout).ForSelector(sel)
		}
		if lastErr != nil {
			return nil, flowerr.Wrap(flowerr.NotFound, fmt.Errorf("no match within %s, last error: %w", opts.Timeout, lastErr)).ForSelector(sel)
		}
		return nil, flowerr.New(flowerr.NotFound, "no match within %s", opts.Timeout).ForSelector(sel)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, flowerr.FromContext(err).ForSelector(sel)
	default:
		return nil, err
	}
}

// scan does one read-only inspection of the page.
func (l *Locator) scan(ctx context.Context, sess *browser.Session, sel models.Selector) (scan, error) {
	var s scan
	err := sess.Do(ctx, func(p browser.Page) error {
		refs, err := p.FindAll(ctx, sel)
		if err != nil {
			return err
		}
		s.matches = len(refs)
		for _, ref := range refs {
			ok, err := interactable(ctx, p, ref)
			if err != nil {
				return err
			}
			if ok {
				s.interactable = append(s.interactable, ref)
			}
		}
		return nil
	})
	return s, err
}

func interactable(ctx context.Context, p browser.Page, ref browser.ElementRef) (bool, error) {
	visible, err := p.IsVisible(ctx, ref)
	if err != nil || !visible {
		return false, err
	}
	return p.IsEnabled(ctx, ref)
}

// Present reports whether sel currently matches at least one element,
// without waiting. Used by page-state predicates.
func (l *Locator) Present(ctx context.Context, sess *browser.Session, sel models.Selector) (bool, error) {
	var n int
	err := sess.Do(ctx, func(p browser.Page) error {
		refs, err := p.FindAll(ctx, sel)
		n = len(refs)
		return err
	})
	return n > 0, err
}
