// Package cdpbrowser implements browser.Driver on chromedp.
//
// Elements are tracked in a page-side registry keyed by a token per lookup,
// so a navigation drops every reference the old document handed out.
package cdpbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// Options configures how the browser is started
type Options struct {
	Bin        string
	Headless   bool
	NoSandbox  bool
	ControlURL string
	UserAgent  string
}

// Driver allocates one browser (or remote tab) per page
type Driver struct {
	opts   Options
	logger *zap.Logger
}

// New creates a chromedp driver
func New(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{opts: opts, logger: logger.Named("chromedp")}
}

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.opts.Headless),
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if d.opts.Bin != "" {
		opts = append(opts, chromedp.ExecPath(d.opts.Bin))
	}
	if d.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Open implements browser.Driver. The page outlives ctx; ctx only bounds
// the browser start.
func (d *Driver) Open(ctx context.Context) (browser.Page, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if d.opts.ControlURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.opts.ControlURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))
	p := &Page{ctx: tabCtx, cancel: func() { tabCancel(); allocCancel() }}

	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	start := []chromedp.Action{}
	if d.opts.UserAgent != "" {
		start = append(start, emulation.SetUserAgentOverride(d.opts.UserAgent))
	}
	if err := chromedp.Run(tabCtx, start...); err != nil {
		p.cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to start browser: %v", browser.ErrUnavailable, err)
	}

	d.logger.Debug("Browser page opened", zap.Bool("remote", d.opts.ControlURL != ""), zap.Bool("headless", d.opts.Headless))
	return p, nil
}

// ==================== Page ====================

// Page adapts a chromedp tab to browser.Page
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type elementRef struct {
	token string
	index int
}

func (r elementRef) ID() string { return r.token + "/" + strconv.Itoa(r.index) }

// run executes actions on the tab while honoring the caller's ctx
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", browser.ErrUnavailable, err)
	}
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		return fmt.Errorf("protocol error: %w", err)
	}
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// onElement evaluates body with `el` bound to the referenced element, or
// null when the registry entry is gone.
func onElement(ref browser.ElementRef, body string) (string, error) {
	r, ok := ref.(elementRef)
	if !ok {
		return "", fmt.Errorf("element %s does not belong to a chromedp page", ref.ID())
	}
	return fmt.Sprintf(`(function(el) { %s })((window.__flowRefs && window.__flowRefs[%s]) ? window.__flowRefs[%s][%d] : null)`,
		body, jsString(r.token), jsString(r.token), r.index), nil
}

func (p *Page) evalElement(ctx context.Context, ref browser.ElementRef, body string, out interface{}) error {
	expr, err := onElement(ref, body)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.Evaluate(expr, out))
}

var errDetached = errors.New("element is no longer attached")

// Get implements browser.Page
func (p *Page) Get(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func findScript(sel models.Selector, token string) string {
	var collect string
	switch sel.Strategy {
	case models.StrategyXPath:
		collect = fmt.Sprintf(`const r = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < r.snapshotLength; i++) els.push(r.snapshotItem(i));`, jsString(sel.Query))
	default:
		collect = fmt.Sprintf(`els = Array.from(document.querySelectorAll(%s));`, jsString(sel.Query))
	}
	return fmt.Sprintf(`(function() {
		const reg = window.__flowRefs || (window.__flowRefs = {});
		let els = [];
		%s
		reg[%s] = els;
		return els.length;
	})()`, collect, jsString(token))
}

// FindAll implements browser.Page
func (p *Page) FindAll(ctx context.Context, sel models.Selector) ([]browser.ElementRef, error) {
	token := uuid.New().String()
	var n int
	if err := p.run(ctx, chromedp.Evaluate(findScript(sel, token), &n)); err != nil {
		return nil, err
	}
	refs := make([]browser.ElementRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, elementRef{token: token, index: i})
	}
	return refs, nil
}

// IsVisible implements browser.Page
func (p *Page) IsVisible(ctx context.Context, ref browser.ElementRef) (bool, error) {
	var visible bool
	err := p.evalElement(ctx, ref, `
		if (!el || !el.isConnected) return false;
		const s = getComputedStyle(el);
		const r = el.getBoundingClientRect();
		return s.display !== 'none' && s.visibility !== 'hidden' && r.width > 0 && r.height > 0;`, &visible)
	return visible, err
}

// IsEnabled implements browser.Page
func (p *Page) IsEnabled(ctx context.Context, ref browser.ElementRef) (bool, error) {
	var enabled bool
	err := p.evalElement(ctx, ref, `return !!el && !el.disabled;`, &enabled)
	return enabled, err
}

// IsAttached implements browser.Page
func (p *Page) IsAttached(ctx context.Context, ref browser.ElementRef) (bool, error) {
	var attached bool
	err := p.evalElement(ctx, ref, `return !!el && el.isConnected;`, &attached)
	return attached, err
}

// SendKeys implements browser.Page. The element is focused and each rune is
// dispatched as a key event.
func (p *Page) SendKeys(ctx context.Context, ref browser.ElementRef, text string) error {
	var focused bool
	if err := p.evalElement(ctx, ref, `
		if (!el || !el.isConnected) return false;
		el.focus();
		if (typeof el.setSelectionRange === 'function' && typeof el.value === 'string') {
			el.setSelectionRange(el.value.length, el.value.length);
		}
		return document.activeElement === el;`, &focused); err != nil {
		return err
	}
	if !focused {
		return errDetached
	}
	return p.run(ctx, chromedp.KeyEvent(text))
}

// Clear implements browser.Page
func (p *Page) Clear(ctx context.Context, ref browser.ElementRef) error {
	var ok bool
	if err := p.evalElement(ctx, ref, `
		if (!el || !el.isConnected) return false;
		el.value = '';
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;`, &ok); err != nil {
		return err
	}
	if !ok {
		return errDetached
	}
	return nil
}

// Value implements browser.Page
func (p *Page) Value(ctx context.Context, ref browser.ElementRef) (string, error) {
	var res struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	if err := p.evalElement(ctx, ref, `
		if (!el || !el.isConnected) return { ok: false, value: '' };
		return { ok: true, value: String(el.value == null ? '' : el.value) };`, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", errDetached
	}
	return res.Value, nil
}

// Click implements browser.Page with a real mouse event at the element's
// center.
func (p *Page) Click(ctx context.Context, ref browser.ElementRef) error {
	var box struct {
		OK bool    `json:"ok"`
		X  float64 `json:"x"`
		Y  float64 `json:"y"`
	}
	if err := p.evalElement(ctx, ref, `
		if (!el || !el.isConnected) return { ok: false, x: 0, y: 0 };
		el.scrollIntoView({ block: 'center', inline: 'center' });
		const r = el.getBoundingClientRect();
		return { ok: true, x: r.left + r.width / 2, y: r.top + r.height / 2 };`, &box); err != nil {
		return err
	}
	if !box.OK {
		return errDetached
	}
	return p.run(ctx, chromedp.MouseClickXY(box.X, box.Y))
}

// CurrentURL implements browser.Page
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

// ReadyState implements browser.Page
func (p *Page) ReadyState(ctx context.Context) (string, error) {
	var state string
	err := p.run(ctx, chromedp.Evaluate(`document.readyState`, &state))
	return strings.TrimSpace(state), err
}

// Close implements browser.Page
func (p *Page) Close() error {
	p.cancel()
	return nil
}
