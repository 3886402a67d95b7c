// Package executor performs single semantic actions against located
// elements. Actions are never retried: a repeated click can resubmit a form.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// Executor is stateless and may be shared between sessions.
type Executor struct {
	logger *zap.Logger
}

// New creates an executor.
func New(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger.Named("executor")}
}

// Type replaces the element's value with text. Either the whole text ends up
// in the field or the call fails and the field is left empty.
func (e *Executor) Type(ctx context.Context, sess *browser.Session, h *browser.ElementHandle, text models.Secret) error {
	return e.act(ctx, sess, h, "type", func(p browser.Page) error {
		if err := p.Clear(ctx, h.Ref); err != nil {
			return fmt.Errorf("clear field: %w", err)
		}
		err := p.SendKeys(ctx, h.Ref, text.Reveal())
		if err == nil {
			var got string
			got, err = p.Value(ctx, h.Ref)
			if err == nil && got != text.Reveal() {
				// never echo either value; the field may hold a secret
				err = fmt.Errorf("field holds %d characters after typing %d", len(got), len(text.Reveal()))
			}
		}
		if err != nil {
			if cerr := p.Clear(context.WithoutCancel(ctx), h.Ref); cerr != nil {
				sess.Logger().Warn("Failed to clear partially typed field", zap.Error(cerr))
			}
			return err
		}
		return nil
	})
}

// Click clicks the element once.
func (e *Executor) Click(ctx context.Context, sess *browser.Session, h *browser.ElementHandle) error {
	return e.act(ctx, sess, h, "click", func(p browser.Page) error {
		return p.Click(ctx, h.Ref)
	})
}

// act re-validates the handle and runs fn under the session's interaction slot.
func (e *Executor) act(ctx context.Context, sess *browser.Session, h *browser.ElementHandle, name string, fn func(browser.Page) error) error {
	if !h.ValidFor(sess) {
		return flowerr.New(flowerr.StaleElement, "handle predates the current document").ForSelector(h.Selector)
	}
	err := sess.Do(ctx, func(p browser.Page) error {
		attached, err := p.IsAttached(ctx, h.Ref)
		if err != nil {
			return err
		}
		if !attached {
			return flowerr.New(flowerr.StaleElement, "element is no longer attached").ForSelector(h.Selector)
		}
		visible, err := p.IsVisible(ctx, h.Ref)
		if err != nil {
			return err
		}
		enabled, err := p.IsEnabled(ctx, h.Ref)
		if err != nil {
			return err
		}
		if !visible || !enabled {
			return flowerr.New(flowerr.NotInteractable, "visible=%t enabled=%t", visible, enabled).ForSelector(h.Selector)
		}
		if err := fn(p); err != nil {
			var fe *flowerr.Error
			if errors.As(err, &fe) {
				return err
			}
			return flowerr.Wrap(classify(ctx, err), err).ForSelector(h.Selector)
		}
		return nil
	})
	if err != nil {
		var fe *flowerr.Error
		if !errors.As(err, &fe) {
			err = flowerr.Wrap(classify(ctx, err), err).ForSelector(h.Selector)
		}
		e.logger.Debug("Action failed", zap.String("action", name), zap.Stringer("selector", h.Selector), zap.Error(err))
		return err
	}
	e.logger.Debug("Action performed", zap.String("action", name), zap.Stringer("selector", h.Selector))
	return nil
}

func classify(ctx context.Context, err error) flowerr.Kind {
	switch {
	case errors.Is(err, flowerr.ErrUnavailable), errors.Is(err, browser.ErrSessionClosed):
		return flowerr.DriverUnavailable
	case ctx.Err() != nil:
		return flowerr.FromContext(ctx.Err()).Kind
	default:
		return flowerr.ActionFailed
	}
}
