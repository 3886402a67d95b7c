// Package rodbrowser implements browser.Driver on go-rod.
package rodbrowser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"dev/bravebird/browser-flow-go/pkg/browser"
	"dev/bravebird/browser-flow-go/pkg/models"
)

// Options configures how the browser is started
type Options struct {
	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin      string
	Headless bool
	// NoSandbox is needed when running as root in containers.
	NoSandbox bool
	// ControlURL connects to an already running browser instead of launching.
	ControlURL string
	UserAgent  string
}

// Driver opens one browser process per page unless ControlURL is set, in
// which case each page is a new tab of the remote browser.
type Driver struct {
	opts   Options
	logger *zap.Logger
}

// New creates a go-rod driver
func New(opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{opts: opts, logger: logger.Named("rod")}
}

// Open implements browser.Driver
func (d *Driver) Open(ctx context.Context) (browser.Page, error) {
	var l *launcher.Launcher
	controlURL := d.opts.ControlURL

	if controlURL == "" {
		l = launcher.New().Context(ctx).Headless(d.opts.Headless)
		if d.opts.Bin != "" {
			l = l.Bin(d.opts.Bin)
		}
		if d.opts.NoSandbox {
			l = l.Set("no-sandbox")
		}
		// Chrome flags for container compatibility
		l = l.Set("disable-gpu")
		l = l.Set("disable-dev-shm-usage")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to launch browser: %v", browser.ErrUnavailable, err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("%w: failed to connect to browser: %v", browser.ErrUnavailable, err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		closeBrowser(b, l)
		return nil, fmt.Errorf("%w: failed to create page: %v", browser.ErrUnavailable, err)
	}

	if d.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.opts.UserAgent}); err != nil {
			closeBrowser(b, l)
			return nil, fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	d.logger.Debug("Browser page opened", zap.Bool("launched", l != nil), zap.Bool("headless", d.opts.Headless))
	return &Page{browser: b, page: page, launcher: l}, nil
}

func closeBrowser(b *rod.Browser, l *launcher.Launcher) {
	if l == nil {
		return
	}
	_ = b.Close()
	l.Kill()
	l.Cleanup()
}

// ==================== Page ====================

// Page adapts a rod page to browser.Page
type Page struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	closed   bool
}

type elementRef struct {
	el *rod.Element
}

func (r elementRef) ID() string { return string(r.el.Object.ObjectID) }

func (p *Page) element(ref browser.ElementRef) (*rod.Element, error) {
	r, ok := ref.(elementRef)
	if !ok {
		return nil, fmt.Errorf("element %s does not belong to a rod page", ref.ID())
	}
	return r.el, nil
}

// Get implements browser.Page
func (p *Page) Get(ctx context.Context, url string) error {
	return p.check(p.page.Context(ctx).Navigate(url))
}

// FindAll implements browser.Page
func (p *Page) FindAll(ctx context.Context, sel models.Selector) ([]browser.ElementRef, error) {
	var (
		els rod.Elements
		err error
	)
	page := p.page.Context(ctx)
	switch sel.Strategy {
	case models.StrategyXPath:
		els, err = page.ElementsX(sel.Query)
	default:
		els, err = page.Elements(sel.Query)
	}
	if err != nil {
		return nil, p.check(err)
	}

	refs := make([]browser.ElementRef, 0, len(els))
	for _, el := range els {
		refs = append(refs, elementRef{el: el})
	}
	return refs, nil
}

// IsVisible implements browser.Page
func (p *Page) IsVisible(ctx context.Context, ref browser.ElementRef) (bool, error) {
	el, err := p.element(ref)
	if err != nil {
		return false, err
	}
	visible, err := el.Context(ctx).Visible()
	return visible, p.check(err)
}

// IsEnabled implements browser.Page
func (p *Page) IsEnabled(ctx context.Context, ref browser.ElementRef) (bool, error) {
	return p.evalBool(ctx, ref, `() => !this.disabled`)
}

// IsAttached implements browser.Page. A node whose remote object no longer
// resolves is detached.
func (p *Page) IsAttached(ctx context.Context, ref browser.ElementRef) (bool, error) {
	attached, err := p.evalBool(ctx, ref, `() => this.isConnected`)
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return false, nil
	}
	return attached, err
}

// SendKeys implements browser.Page
func (p *Page) SendKeys(ctx context.Context, ref browser.ElementRef, text string) error {
	el, err := p.element(ref)
	if err != nil {
		return err
	}
	return p.check(el.Context(ctx).Input(text))
}

// Clear implements browser.Page
func (p *Page) Clear(ctx context.Context, ref browser.ElementRef) error {
	el, err := p.element(ref)
	if err != nil {
		return err
	}
	_, err = el.Context(ctx).Eval(`() => {
		this.value = '';
		this.dispatchEvent(new Event('input', { bubbles: true }));
	}`)
	return p.check(err)
}

// Value implements browser.Page
func (p *Page) Value(ctx context.Context, ref browser.ElementRef) (string, error) {
	el, err := p.element(ref)
	if err != nil {
		return "", err
	}
	v, err := el.Context(ctx).Property("value")
	if err != nil {
		return "", p.check(err)
	}
	return v.Str(), nil
}

// Click implements browser.Page
func (p *Page) Click(ctx context.Context, ref browser.ElementRef) error {
	el, err := p.element(ref)
	if err != nil {
		return err
	}
	return p.check(el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

// CurrentURL implements browser.Page
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", p.check(err)
	}
	return res.Value.Str(), nil
}

// ReadyState implements browser.Page
func (p *Page) ReadyState(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return "", p.check(err)
	}
	return res.Value.Str(), nil
}

// Close implements browser.Page. A launched browser is shut down; a remote
// one only loses the tab.
func (p *Page) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.launcher == nil {
		return p.page.Close()
	}
	err := p.browser.Close()
	p.launcher.Kill()
	p.launcher.Cleanup()
	return err
}

func (p *Page) evalBool(ctx context.Context, ref browser.ElementRef, js string) (bool, error) {
	el, err := p.element(ref)
	if err != nil {
		return false, err
	}
	res, err := el.Context(ctx).Eval(js)
	if err != nil {
		return false, p.check(err)
	}
	return res.Value.Bool(), nil
}

// check marks err as a lost browser when the browser no longer answers.
// Protocol errors and cancellation pass through unchanged.
func (p *Page) check(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return err
	}
	if _, perr := (proto.BrowserGetVersion{}).Call(p.browser.Timeout(2 * time.Second)); perr != nil {
		return fmt.Errorf("%w: %v", browser.ErrUnavailable, err)
	}
	return err
}
