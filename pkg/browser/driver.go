// Package browser holds the capability set the flow consumes from a browser
// automation backend, and the Session that owns one backend page.
package browser

import (
	"context"

	"dev/bravebird/browser-flow-go/pkg/flowerr"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// ErrUnavailable is wrapped by adapters when the browser process crashed or
// the connection to it was lost.
var ErrUnavailable = flowerr.ErrUnavailable

// Document ready states reported by Page.ReadyState
const (
	ReadyLoading     = "loading"
	ReadyInteractive = "interactive"
	ReadyComplete    = "complete"
)

// Driver launches or connects to a browser and opens one page for a session.
type Driver interface {
	// Open returns a fresh page backed by its own browser process or tab.
	Open(ctx context.Context) (Page, error)
}

// ElementRef is a backend reference to one element. It is only meaningful to
// the Page that returned it.
type ElementRef interface {
	// ID identifies the element within its page, for logs.
	ID() string
}

// Page is the per-session capability set. Implementations need not be safe
// for concurrent use; Session serializes access.
type Page interface {
	// Get issues a navigation request and returns once it was accepted.
	Get(ctx context.Context, url string) error
	// FindAll returns current matches in document order without waiting.
	FindAll(ctx context.Context, sel models.Selector) ([]ElementRef, error)
	IsVisible(ctx context.Context, ref ElementRef) (bool, error)
	IsEnabled(ctx context.Context, ref ElementRef) (bool, error)
	// IsAttached reports whether ref still belongs to the live document.
	IsAttached(ctx context.Context, ref ElementRef) (bool, error)
	SendKeys(ctx context.Context, ref ElementRef, text string) error
	// Clear empties an input's value.
	Clear(ctx context.Context, ref ElementRef) error
	// Value reads an input's current value.
	Value(ctx context.Context, ref ElementRef) (string, error)
	Click(ctx context.Context, ref ElementRef) error
	CurrentURL(ctx context.Context) (string, error)
	// ReadyState returns document.readyState.
	ReadyState(ctx context.Context) (string, error)
	// Close releases the page and any browser process started for it.
	Close() error
}
