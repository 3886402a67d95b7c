// Package flowerr defines the error taxonomy shared by the locator, executor,
// session controller and flow runner. Errors keep their Kind as they travel
// upward; each layer only adds the step and action it was performing.
package flowerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dev/bravebird/browser-flow-go/pkg/models"
)

// Kind classifies a failure for operator diagnosis.
type Kind string

const (
	NotFound             Kind = "not_found"
	Ambiguous            Kind = "ambiguous"
	StaleElement         Kind = "stale_element"
	NotInteractable      Kind = "not_interactable"
	NavigationTimeout    Kind = "navigation_timeout"
	AuthenticationFailed Kind = "authentication_failed"
	DriverUnavailable    Kind = "driver_unavailable"
	ActionFailed         Kind = "action_failed"
	Canceled             Kind = "canceled"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Fatal kinds end the flow without any further driver interaction.
func (k Kind) Fatal() bool { return k == DriverUnavailable }

// SelectorContract reports whether the kind suggests the page structure changed.
func (k Kind) SelectorContract() bool { return k == NotFound || k == Ambiguous }

// Step names the flow stage during which an error happened.
type Step string

const (
	StepOpen         Step = "open"
	StepAuthenticate Step = "authenticate"
	StepSettle       Step = "settle"
	StepNavigate     Step = "navigate"
)

// Error is the structured failure returned by every core component.
type Error struct {
	Kind     Kind
	Step     Step
	Action   string
	Selector *models.Selector
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Step != "" {
		b.WriteString(string(e.Step))
		b.WriteString(": ")
	}
	if e.Action != "" {
		b.WriteString(e.Action)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Selector != nil {
		b.WriteString(" ")
		b.WriteString(e.Selector.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an error of kind k.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an error of kind k around err.
func Wrap(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// ForSelector attaches the selector involved.
func (e *Error) ForSelector(sel models.Selector) *Error {
	e.Selector = &sel
	return e
}

// Annotate sets step and action on err when they are not already set.
// Errors that are not *Error are classified first.
func Annotate(err error, step Step, action string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		fe = Wrap(Classify(err), err)
	}
	if fe.Step == "" {
		fe.Step = step
	}
	if fe.Action == "" {
		fe.Action = action
	}
	return fe
}

// Classify maps an arbitrary error onto a Kind.
func Classify(err error) Kind {
	var fe *Error
	switch {
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return NavigationTimeout
	case errors.Is(err, ErrUnavailable):
		return DriverUnavailable
	default:
		return ActionFailed
	}
}

// FromContext wraps a done context's error. A passed deadline is a
// NavigationTimeout; anything else is Canceled.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(NavigationTimeout, err)
	}
	return Wrap(Canceled, err)
}

// ErrUnavailable is wrapped by browser adapters when the browser process or
// its connection is gone.
var ErrUnavailable = errors.New("browser driver unavailable")

// KindOf returns the kind of err or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err)
}

// StepOf returns the step err was attributed to.
func StepOf(err error) Step {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Step
	}
	return ""
}
