package browsertest

import (
	"context"
	"sync"

	"dev/bravebird/browser-flow-go/pkg/browser"
)

// Driver hands out scripted pages built by a setup function.
type Driver struct {
	// FailOpen, when set, is returned by every Open call.
	FailOpen error

	setup func(*Page)

	mu    sync.Mutex
	pages []*Page
}

var _ browser.Driver = (*Driver)(nil)

// NewDriver returns a driver whose pages are prepared by setup, which may be nil.
func NewDriver(setup func(*Page)) *Driver {
	return &Driver{setup: setup}
}

// Open implements browser.Driver.
func (d *Driver) Open(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.FailOpen != nil {
		return nil, d.FailOpen
	}
	p := NewPage()
	if d.setup != nil {
		d.setup(p)
	}
	d.mu.Lock()
	d.pages = append(d.pages, p)
	d.mu.Unlock()
	return p, nil
}

// Pages returns every page opened so far.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// LastPage returns the most recently opened page or nil.
func (d *Driver) LastPage() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}
