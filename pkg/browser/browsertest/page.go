// Package browsertest provides a scripted in-memory browser page for tests.
// Routes install elements when a URL is loaded, elements can appear late,
// be hidden, disabled or detached, and clicks can trigger redirects.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// Element describes one scripted element.
type Element struct {
	// ID is optional; Add generates one when empty.
	ID       string
	Selector models.Selector
	Hidden   bool
	Disabled bool
	// AppearAfter delays the element relative to the page load.
	AppearAfter time.Duration
	Value       string
	// MaxLength truncates typed input when positive.
	MaxLength int
	// OnClick runs after a click, outside the page lock.
	OnClick func(p *Page)
}

type element struct {
	Element
	attached bool
	loadedAt time.Time
}

type ref struct{ id string }

func (r ref) ID() string { return r.id }

// Page is a browser.Page backed by scripted state.
type Page struct {
	mu          sync.Mutex
	url         string
	loadedAt    time.Time
	readyDelay  time.Duration
	routes      map[string]func(*Page)
	elements    []*element
	nextID      int
	navigations []string
	clicks      []string
	typed       []string
	closed      int
	unavailable bool
	findErrs    []error

	inFlight atomic.Int32
	peak     atomic.Int32
}

var _ browser.Page = (*Page)(nil)

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		url:      "about:blank",
		loadedAt: time.Now(),
		routes:   make(map[string]func(*Page)),
	}
}

// Route registers fn to populate the page whenever url is loaded.
func (p *Page) Route(url string, fn func(*Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = fn
}

// SetReadyDelay keeps readyState at loading for d after each load.
func (p *Page) SetReadyDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyDelay = d
}

// Add places an element on the current document and returns its id.
func (p *Page) Add(e Element) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.ID == "" {
		p.nextID++
		e.ID = fmt.Sprintf("el-%d", p.nextID)
	}
	p.elements = append(p.elements, &element{Element: e, attached: true, loadedAt: p.loadedAt})
	return e.ID
}

// Detach removes an element from the document, making refs to it stale.
func (p *Page) Detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el := p.lookup(id); el != nil {
		el.attached = false
	}
}

// Mutate edits an element in place.
func (p *Page) Mutate(id string, fn func(e *Element)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el := p.lookup(id); el != nil {
		fn(&el.Element)
	}
}

// Redirect simulates a page-initiated load of url, as after a form submit.
func (p *Page) Redirect(url string) {
	p.load(url)
}

// Crash makes every later call fail with browser.ErrUnavailable.
func (p *Page) Crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = true
}

// FailFindAll queues errors returned by the next FindAll calls.
func (p *Page) FailFindAll(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findErrs = append(p.findErrs, errs...)
}

// Navigations lists every URL passed to Get.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Clicks lists the ids of clicked elements.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// TypedInto lists the ids of elements that received keys.
func (p *Page) TypedInto() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.typed...)
}

// CloseCount reports how many times Close was called.
func (p *Page) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ValueOf returns the current value of an element.
func (p *Page) ValueOf(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el := p.lookup(id); el != nil {
		return el.Value
	}
	return ""
}

// PeakConcurrency reports the most calls ever in flight at once.
func (p *Page) PeakConcurrency() int { return int(p.peak.Load()) }

func (p *Page) enter() func() {
	n := p.inFlight.Add(1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *Page) lookup(id string) *element {
	for _, el := range p.elements {
		if el.ID == id {
			return el
		}
	}
	return nil
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.unavailable {
		return fmt.Errorf("websocket closed: %w", browser.ErrUnavailable)
	}
	if p.closed > 0 {
		return fmt.Errorf("page closed: %w", browser.ErrUnavailable)
	}
	return nil
}

func (p *Page) load(url string) {
	p.mu.Lock()
	for _, el := range p.elements {
		el.attached = false
	}
	p.url = url
	p.loadedAt = time.Now()
	fn := p.routes[url]
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (p *Page) element(r browser.ElementRef) (*element, error) {
	el := p.lookup(r.ID())
	if el == nil {
		return nil, fmt.Errorf("no element with id %s", r.ID())
	}
	return el, nil
}

// Get implements browser.Page.
func (p *Page) Get(ctx context.Context, url string) error {
	defer p.enter()()
	p.mu.Lock()
	if err := p.check(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	p.navigations = append(p.navigations, url)
	p.mu.Unlock()
	p.load(url)
	return nil
}

// FindAll implements browser.Page.
func (p *Page) FindAll(ctx context.Context, sel models.Selector) ([]browser.ElementRef, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if len(p.findErrs) > 0 {
		err := p.findErrs[0]
		p.findErrs = p.findErrs[1:]
		return nil, err
	}
	now := time.Now()
	var refs []browser.ElementRef
	for _, el := range p.elements {
		if !el.attached || el.Selector != sel {
			continue
		}
		if now.Before(el.loadedAt.Add(el.AppearAfter)) {
			continue
		}
		refs = append(refs, ref{id: el.ID})
	}
	return refs, nil
}

// IsVisible implements browser.Page.
func (p *Page) IsVisible(ctx context.Context, r browser.ElementRef) (bool, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return false, err
	}
	el, err := p.element(r)
	if err != nil {
		return false, err
	}
	return el.attached && !el.Hidden, nil
}

// IsEnabled implements browser.Page.
func (p *Page) IsEnabled(ctx context.Context, r browser.ElementRef) (bool, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return false, err
	}
	el, err := p.element(r)
	if err != nil {
		return false, err
	}
	return !el.Disabled, nil
}

// IsAttached implements browser.Page.
func (p *Page) IsAttached(ctx context.Context, r browser.ElementRef) (bool, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return false, err
	}
	el := p.lookup(r.ID())
	return el != nil && el.attached, nil
}

// SendKeys implements browser.Page.
func (p *Page) SendKeys(ctx context.Context, r browser.ElementRef, text string) error {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	el, err := p.element(r)
	if err != nil {
		return err
	}
	if el.Disabled || !el.attached {
		return fmt.Errorf("element %s cannot receive input", el.ID)
	}
	v := el.Value + text
	if el.MaxLength > 0 && len(v) > el.MaxLength {
		v = v[:el.MaxLength]
	}
	el.Value = v
	p.typed = append(p.typed, el.ID)
	return nil
}

// Clear implements browser.Page.
func (p *Page) Clear(ctx context.Context, r browser.ElementRef) error {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	el, err := p.element(r)
	if err != nil {
		return err
	}
	el.Value = ""
	return nil
}

// Value implements browser.Page.
func (p *Page) Value(ctx context.Context, r browser.ElementRef) (string, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	el, err := p.element(r)
	if err != nil {
		return "", err
	}
	return el.Value, nil
}

// Click implements browser.Page.
func (p *Page) Click(ctx context.Context, r browser.ElementRef) error {
	defer p.enter()()
	p.mu.Lock()
	if err := p.check(ctx); err != nil {
		p.mu.Unlock()
		return err
	}
	el, err := p.element(r)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.clicks = append(p.clicks, el.ID)
	onClick := el.OnClick
	p.mu.Unlock()

	if onClick != nil {
		onClick(p)
	}
	return nil
}

// CurrentURL implements browser.Page.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	return p.url, nil
}

// ReadyState implements browser.Page.
func (p *Page) ReadyState(ctx context.Context) (string, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return "", err
	}
	if time.Now().Before(p.loadedAt.Add(p.readyDelay)) {
		return browser.ReadyLoading, nil
	}
	return browser.ReadyComplete, nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// HasPrefix reports whether any navigation went to a URL starting with prefix.
func (p *Page) HasPrefix(prefix string) bool {
	for _, u := range p.Navigations() {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}
