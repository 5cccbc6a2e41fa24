package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/cverna/browserd/event"
	"github.com/cverna/browserd/fault"
)

// RodBackend drives Chromium-family browsers through go-rod. Firefox and
// webkit kinds are accepted by the manager for metadata purposes but are
// served by the same engine; this mirrors what the deployment actually
// ships (headless-shell).
type RodBackend struct {
	// Stealth applies anti-automation-detection patches to every new page.
	Stealth bool
	Logger  *slog.Logger
}

// NewRodBackend creates the production backend.
func NewRodBackend(stealthMode bool, logger *slog.Logger) *RodBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodBackend{Stealth: stealthMode, Logger: logger}
}

// Launch starts a browser process and connects to it.
func (b *RodBackend) Launch(ctx context.Context, kind BrowserKind, headless bool) (BrowserHandle, error) {
	l := launcher.New().Headless(headless)
	// Anti-detection flag carried on all launches.
	l = l.Set("disable-blink-features", "AutomationControlled")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fault.New(fault.BackendLaunchFailed, "launch %s: %v", kind, err)
	}

	br := rod.New().ControlURL(wsURL).Context(ctx)
	if err := br.Connect(); err != nil {
		l.Cleanup()
		return nil, fault.New(fault.BackendLaunchFailed, "connect %s: %v", kind, err)
	}
	if err := br.IgnoreCertErrors(true); err != nil {
		b.Logger.Warn("backend: ignore cert errors failed", "error", err)
	}

	b.Logger.Info("backend: browser launched", "kind", kind, "headless", headless)
	return &rodBrowser{browser: br, lnch: l, stealth: b.Stealth, log: b.Logger}, nil
}

type rodBrowser struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	stealth bool
	log     *slog.Logger
}

func (rb *rodBrowser) NewContext(ctx context.Context) (ContextHandle, error) {
	inc, err := rb.browser.Incognito()
	if err != nil {
		return nil, fault.New(fault.BackendLaunchFailed, "incognito context: %v", err)
	}
	return &rodContext{browser: inc.Context(ctx), stealth: rb.stealth, log: rb.log}, nil
}

func (rb *rodBrowser) Close(ctx context.Context) error {
	err := rb.browser.Close()
	if rb.lnch != nil {
		rb.lnch.Cleanup()
	}
	return err
}

type rodContext struct {
	browser *rod.Browser
	stealth bool
	log     *slog.Logger
}

func (rc *rodContext) NewPage(ctx context.Context) (PageHandle, error) {
	var (
		page *rod.Page
		err  error
	)
	if rc.stealth {
		page, err = stealth.Page(rc.browser)
	} else {
		page, err = rc.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fault.New(fault.BackendLaunchFailed, "create page: %v", err)
	}
	return &rodPage{page: page, log: rc.log}, nil
}

func (rc *rodContext) Close(ctx context.Context) error {
	// Closing the incognito browser connection disposes the context.
	return rc.browser.Close()
}

type rodPage struct {
	page *rod.Page
	log  *slog.Logger
}

func (rp *rodPage) Navigate(ctx context.Context, url, waitUntil string) error {
	p := rp.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return translateNav(err)
	}
	if waitUntil == "" {
		waitUntil = "load"
	}
	return rp.WaitForLoadState(ctx, waitUntil)
}

func (rp *rodPage) Reload(ctx context.Context) error {
	if err := rp.page.Context(ctx).Reload(); err != nil {
		return translateNav(err)
	}
	return rp.page.Context(ctx).WaitLoad()
}

func (rp *rodPage) Back(ctx context.Context) error {
	return translateNav(rp.page.Context(ctx).NavigateBack())
}

func (rp *rodPage) Forward(ctx context.Context) error {
	return translateNav(rp.page.Context(ctx).NavigateForward())
}

// element resolves a selector, waiting until the deadline. A deadline expiry
// during resolution means the selector never matched.
func (rp *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := rp.page.Context(ctx).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrElementNotFound
		}
		return nil, err
	}
	return el, nil
}

func (rp *rodPage) Click(ctx context.Context, selector string) error {
	el, err := rp.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (rp *rodPage) ClickXY(ctx context.Context, x, y float64) error {
	p := rp.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (rp *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := rp.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Input(value)
}

func (rp *rodPage) Type(ctx context.Context, selector, text string) error {
	p := rp.page.Context(ctx)
	if selector != "" {
		el, err := rp.element(ctx, selector)
		if err != nil {
			return err
		}
		if err := el.Focus(); err != nil {
			return err
		}
	}
	return p.InsertText(text)
}

func (rp *rodPage) Press(ctx context.Context, selector, key string) error {
	p := rp.page.Context(ctx)
	if selector != "" {
		el, err := rp.element(ctx, selector)
		if err != nil {
			return err
		}
		if err := el.Focus(); err != nil {
			return err
		}
	}
	if k, ok := namedKeys[key]; ok {
		return p.Keyboard.Press(k)
	}
	// Single printable characters go through text insertion.
	if len([]rune(key)) == 1 {
		return p.InsertText(key)
	}
	return fault.New(fault.BadArguments, "unknown key %q", key).WithDetail("key", key)
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Space":      input.Space,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

func (rp *rodPage) SelectOption(ctx context.Context, selector, value string) error {
	el, err := rp.element(ctx, selector)
	if err != nil {
		return err
	}
	_, err = el.Eval(`(v) => {
		this.value = v;
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`, value)
	return err
}

func (rp *rodPage) WaitForSelector(ctx context.Context, selector, state string) error {
	p := rp.page.Context(ctx)
	switch state {
	case "", "visible":
		el, err := rp.element(ctx, selector)
		if err != nil {
			return err
		}
		return el.WaitVisible()
	case "attached":
		_, err := rp.element(ctx, selector)
		return err
	case "hidden":
		return p.Wait(rod.Eval(`(s) => {
			const e = document.querySelector(s);
			if (!e) return true;
			const cs = getComputedStyle(e);
			return cs.display === 'none' || cs.visibility === 'hidden' || e.getClientRects().length === 0;
		}`, selector))
	case "detached":
		return p.Wait(rod.Eval(`(s) => !document.querySelector(s)`, selector))
	default:
		return fault.New(fault.BadArguments, "unknown selector state %q", state).WithDetail("state", state)
	}
}

func (rp *rodPage) WaitForLoadState(ctx context.Context, state string) error {
	p := rp.page.Context(ctx)
	switch state {
	case "", "load":
		return p.WaitLoad()
	case "domcontentloaded":
		return p.Wait(rod.Eval(`() => document.readyState !== 'loading'`))
	case "networkidle":
		budget := 30 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			budget = time.Until(dl)
		}
		return p.WaitIdle(budget)
	default:
		return fault.New(fault.BadArguments, "unknown load state %q", state).WithDetail("state", state)
	}
}

func (rp *rodPage) Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if quality > 0 {
			q := quality
			req.Quality = &q
		}
	}
	return rp.page.Context(ctx).Screenshot(fullPage, req)
}

func (rp *rodPage) Evaluate(ctx context.Context, expression string, arg any) (json.RawMessage, error) {
	opts := &rod.EvalOptions{
		JS:           expression,
		ByValue:      true,
		AwaitPromise: true,
	}
	if arg != nil {
		opts.JSArgs = []any{arg}
	}
	res, err := rp.page.Context(ctx).Evaluate(opts)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

func (rp *rodPage) EvaluateAsync(ctx context.Context, js string) (json.RawMessage, error) {
	wrapped := fmt.Sprintf("(async () => { return (%s); })()", js)
	return rp.Evaluate(ctx, wrapped, nil)
}

func (rp *rodPage) Info(ctx context.Context) (PageInfo, error) {
	info, err := rp.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	out := PageInfo{URL: info.URL, Title: info.Title}
	res, err := rp.page.Context(ctx).Eval(`() => ({w: window.innerWidth, h: window.innerHeight})`)
	if err == nil && res != nil {
		out.ViewportWidth = res.Value.Get("w").Int()
		out.ViewportHeight = res.Value.Get("h").Int()
	}
	return out, nil
}

func (rp *rodPage) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := rp.page.Context(ctx).Info()
	return err == nil
}

func (rp *rodPage) AttachCapture(ctx context.Context, bufs *event.Buffers, logger *slog.Logger) func() {
	c := event.Attach(ctx, rp.page, bufs, logger)
	return c.Detach
}

func (rp *rodPage) Close(ctx context.Context) error {
	return rp.page.Close()
}

// translateNav classifies navigation failures. Chrome reports a navigation
// cancelled by a newer one as net::ERR_ABORTED.
func translateNav(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "ERR_ABORTED") {
		return ErrNavigationInterrupted
	}
	return err
}
