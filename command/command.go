// Package command is the dispatch table between the HTTP surface and the
// browser backend. It accepts the structured form (command + args + kwargs)
// and the one-line string form, serializes execution per page, translates
// backend failures into the fault taxonomy and refreshes the parent
// session's idle clock on success.
package command

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cverna/browserd/fault"
	"github.com/cverna/browserd/session"
)

// DefaultTimeout bounds a command when neither config nor the call itself
// supplies one.
const DefaultTimeout = 30 * time.Second

// Request is one structured command.
type Request struct {
	Command string         `json:"command"`
	Args    []any          `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
}

// Viewport is the page's inner window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Info is the get_info payload.
type Info struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Viewport Viewport `json:"viewport"`
}

// Result is the success body of a command. Only the fields the command
// produces are set; the zero fields stay off the wire.
type Result struct {
	Status  string          `json:"status"`
	URL     string          `json:"url,omitempty"`
	Path    string          `json:"path,omitempty"`
	Data    string          `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Info    *Info           `json:"info,omitempty"`
	Message string          `json:"message,omitempty"`
}

func ok() Result { return Result{Status: "success"} }

// Options tunes the dispatcher.
type Options struct {
	ScreenshotDir    string
	DefaultTimeout   time.Duration
	EnableJSFallback bool
}

// Dispatcher executes commands against pages borrowed from the manager.
type Dispatcher struct {
	mgr  *session.Manager
	log  *slog.Logger
	opts Options

	// Observe, when set, is called once per dispatch with the command name,
	// the outcome ("success" or the fault kind) and the elapsed time.
	Observe func(command, outcome string, elapsed time.Duration)
}

// New wires a dispatcher over the session manager.
func New(mgr *session.Manager, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Dispatcher{mgr: mgr, log: logger, opts: opts}
}

type handler func(ctx context.Context, p *session.Page, req Request) (Result, error)

// table maps command names to handlers. screenshot is resolved separately
// because it needs dispatcher state.
var table = map[string]handler{
	"goto":                cmdGoto,
	"click":               cmdClick,
	"fill":                cmdFill,
	"type":                cmdType,
	"press":               cmdPress,
	"select_option":       cmdSelectOption,
	"wait_for_selector":   cmdWaitForSelector,
	"wait_for_load_state": cmdWaitForLoadState,
	"wait":                cmdWait,
	"evaluate":            cmdEvaluate,
	"get_info":            cmdGetInfo,
	"reload":              cmdReload,
	"back":                cmdBack,
	"forward":             cmdForward,
	"fwd":                 cmdForward,
	"mouse_click_xy":      cmdMouseClickXY,
}

// Execute runs a structured command against a page addressed by ID alone.
func (d *Dispatcher) Execute(ctx context.Context, pageID string, req Request) (Result, error) {
	p, err := d.mgr.FindPage(pageID)
	if err != nil {
		d.observe(req.Command, err, time.Time{})
		return Result{}, err
	}
	return d.run(ctx, p.SessionID, pageID, req)
}

// ExecuteFor runs a structured command, first checking that the page really
// belongs to the named session.
func (d *Dispatcher) ExecuteFor(ctx context.Context, sessionID, pageID string, req Request) (Result, error) {
	if err := d.checkOwnership(sessionID, pageID); err != nil {
		d.observe(req.Command, err, time.Time{})
		return Result{}, err
	}
	return d.run(ctx, sessionID, pageID, req)
}

// ExecuteLine runs the one-line string form. When the parser cannot place
// the line in the vocabulary and the JavaScript fallback is enabled, the
// raw line is evaluated on the page instead.
func (d *Dispatcher) ExecuteLine(ctx context.Context, sessionID, pageID, line string) (Result, error) {
	req, err := ParseLine(line)
	if err != nil {
		kind := fault.KindOf(err)
		if d.opts.EnableJSFallback && (kind == fault.UnparsableLine || kind == fault.UnknownCommand) {
			return d.runJS(ctx, sessionID, pageID, line)
		}
		d.observe("execute_line", err, time.Time{})
		return Result{}, err
	}
	return d.run(ctx, sessionID, pageID, req)
}

func (d *Dispatcher) checkOwnership(sessionID, pageID string) error {
	p, err := d.mgr.FindPage(pageID)
	if err != nil {
		return err
	}
	if p.SessionID != sessionID {
		return fault.New(fault.PageNotFound, "page %q does not belong to session %q", pageID, sessionID).
			WithDetail("session_id", sessionID).
			WithDetail("page_id", pageID)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, sessionID, pageID string, req Request) (Result, error) {
	started := time.Now()

	h, found := table[req.Command]
	if req.Command == "screenshot" {
		h, found = d.cmdScreenshot, true
	}
	if !found {
		err := fault.New(fault.UnknownCommand, "no such command %q", req.Command).
			WithDetail("command", req.Command)
		d.observe(req.Command, err, started)
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeoutFor(req))
	defer cancel()

	p, release, err := d.mgr.AcquirePage(ctx, sessionID, pageID)
	if err != nil {
		d.observe(req.Command, err, started)
		return Result{}, err
	}
	defer release()

	if !p.Handle.Alive() {
		d.mgr.ReportGone(sessionID, pageID)
		err := fault.New(fault.PageGone, "page %q was closed by the browser", pageID).
			WithDetail("page_id", pageID)
		d.observe(req.Command, err, started)
		return Result{}, err
	}

	res, err := h(ctx, p, req)
	if err != nil {
		err = translate(ctx, err)
		d.log.Warn("command failed",
			"session_id", sessionID, "page_id", pageID,
			"command", req.Command, "kind", string(fault.KindOf(err)), "error", err)
		d.observe(req.Command, err, started)
		return Result{}, err
	}

	d.mgr.Touch(sessionID)
	d.log.Debug("command ok", "session_id", sessionID, "page_id", pageID,
		"command", req.Command, "elapsed", time.Since(started).String())
	d.observe(req.Command, nil, started)
	return res, nil
}

func (d *Dispatcher) runJS(ctx context.Context, sessionID, pageID, line string) (Result, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.opts.DefaultTimeout)
	defer cancel()

	p, release, err := d.mgr.AcquirePage(ctx, sessionID, pageID)
	if err != nil {
		d.observe("js_fallback", err, started)
		return Result{}, err
	}
	defer release()

	raw, err := p.Handle.EvaluateAsync(ctx, line)
	if err != nil {
		err = translate(ctx, err)
		d.observe("js_fallback", err, started)
		return Result{}, err
	}
	d.mgr.Touch(sessionID)
	d.observe("js_fallback", nil, started)
	return Result{Status: "success", Result: raw}, nil
}

func (d *Dispatcher) observe(command string, err error, started time.Time) {
	if d.Observe == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(fault.KindOf(err))
	}
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}
	d.Observe(command, outcome, elapsed)
}

// timeoutFor applies the per-call override: kwargs.timeout in milliseconds.
func (d *Dispatcher) timeoutFor(req Request) time.Duration {
	if v, ok := req.Kwargs["timeout"]; ok {
		if ms, ok := asNumber(v); ok && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	return d.opts.DefaultTimeout
}

// translate maps arbitrary command failures into the taxonomy. Faults pass
// through; a deadline expiry that the backend did not classify becomes a
// Timeout.
func translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fault.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.Timeout, "command timed out")
	}
	if errors.Is(err, context.Canceled) {
		return fault.New(fault.Timeout, "command canceled")
	}
	return fault.From(err)
}

// argument helpers; JSON decoding hands us float64 for every number, the
// line parser may hand an int.

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func needString(req Request, i int, name string) (string, error) {
	if i >= len(req.Args) {
		return "", fault.New(fault.BadArguments, "missing argument %q", name).
			WithDetail("argument", name)
	}
	s, ok := req.Args[i].(string)
	if !ok {
		return "", fault.New(fault.BadArguments, "argument %q must be a string", name).
			WithDetail("argument", name)
	}
	return s, nil
}

func optString(req Request, i int, kwarg string) string {
	if i >= 0 && i < len(req.Args) {
		if s, ok := req.Args[i].(string); ok {
			return s
		}
	}
	if v, ok := req.Kwargs[kwarg]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func needNumber(req Request, i int, name string) (float64, error) {
	if i >= len(req.Args) {
		return 0, fault.New(fault.BadArguments, "missing argument %q", name).
			WithDetail("argument", name)
	}
	n, ok := asNumber(req.Args[i])
	if !ok {
		return 0, fault.New(fault.BadArguments, "argument %q must be a number", name).
			WithDetail("argument", name)
	}
	return n, nil
}

func kwargBool(req Request, name string) bool {
	v, ok := req.Kwargs[name]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// position extracts the {position:{x,y}} kwarg used by click.
func position(req Request) (x, y float64, ok bool) {
	raw, found := req.Kwargs["position"]
	if !found {
		return 0, 0, false
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	x, xok := asNumber(m["x"])
	y, yok := asNumber(m["y"])
	return x, y, xok && yok
}

// resultWithURL reads the page's current URL after a navigation-family
// command.
func resultWithURL(ctx context.Context, p *session.Page) (Result, error) {
	info, err := p.Handle.Info(ctx)
	if err != nil {
		return Result{}, err
	}
	res := ok()
	res.URL = info.URL
	return res, nil
}

// command handlers

func cmdGoto(ctx context.Context, p *session.Page, req Request) (Result, error) {
	url, err := needString(req, 0, "url")
	if err != nil {
		return Result{}, err
	}
	waitUntil := optString(req, 1, "wait_until")
	if err := p.Handle.Navigate(ctx, url, waitUntil); err != nil {
		return Result{}, err
	}
	return resultWithURL(ctx, p)
}

func cmdClick(ctx context.Context, p *session.Page, req Request) (Result, error) {
	if len(req.Args) > 0 {
		selector, err := needString(req, 0, "selector")
		if err != nil {
			return Result{}, err
		}
		if err := p.Handle.Click(ctx, selector); err != nil {
			return Result{}, err
		}
		return ok(), nil
	}
	x, y, found := position(req)
	if !found {
		return Result{}, fault.New(fault.BadArguments, "click needs a selector or a position").
			WithDetail("argument", "selector")
	}
	if err := p.Handle.ClickXY(ctx, x, y); err != nil {
		return Result{}, err
	}
	res := ok()
	res.Message = fmt.Sprintf("Clicked at position (%.1f, %.1f)", x, y)
	return res, nil
}

func cmdFill(ctx context.Context, p *session.Page, req Request) (Result, error) {
	selector, err := needString(req, 0, "selector")
	if err != nil {
		return Result{}, err
	}
	value, err := needString(req, 1, "value")
	if err != nil {
		return Result{}, err
	}
	if err := p.Handle.Fill(ctx, selector, value); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

// cmdType with one argument targets the focused element.
func cmdType(ctx context.Context, p *session.Page, req Request) (Result, error) {
	selector, text := "", ""
	switch len(req.Args) {
	case 1:
		t, err := needString(req, 0, "text")
		if err != nil {
			return Result{}, err
		}
		text = t
	default:
		s, err := needString(req, 0, "selector")
		if err != nil {
			return Result{}, err
		}
		t, err := needString(req, 1, "text")
		if err != nil {
			return Result{}, err
		}
		selector, text = s, t
	}
	if err := p.Handle.Type(ctx, selector, text); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

// cmdPress with one argument targets the focused element.
func cmdPress(ctx context.Context, p *session.Page, req Request) (Result, error) {
	selector, key := "", ""
	switch len(req.Args) {
	case 1:
		k, err := needString(req, 0, "key")
		if err != nil {
			return Result{}, err
		}
		key = k
	default:
		s, err := needString(req, 0, "selector")
		if err != nil {
			return Result{}, err
		}
		k, err := needString(req, 1, "key")
		if err != nil {
			return Result{}, err
		}
		selector, key = s, k
	}
	if err := p.Handle.Press(ctx, selector, key); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func cmdSelectOption(ctx context.Context, p *session.Page, req Request) (Result, error) {
	selector, err := needString(req, 0, "selector")
	if err != nil {
		return Result{}, err
	}
	value, err := needString(req, 1, "value")
	if err != nil {
		return Result{}, err
	}
	if err := p.Handle.SelectOption(ctx, selector, value); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func cmdWaitForSelector(ctx context.Context, p *session.Page, req Request) (Result, error) {
	selector, err := needString(req, 0, "selector")
	if err != nil {
		return Result{}, err
	}
	state := optString(req, 1, "state")
	if err := p.Handle.WaitForSelector(ctx, selector, state); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func cmdWaitForLoadState(ctx context.Context, p *session.Page, req Request) (Result, error) {
	state := optString(req, 0, "state")
	if err := p.Handle.WaitForLoadState(ctx, state); err != nil {
		return Result{}, err
	}
	return ok(), nil
}

func cmdWait(ctx context.Context, p *session.Page, req Request) (Result, error) {
	ms, err := needNumber(req, 0, "timeout")
	if err != nil {
		return Result{}, err
	}
	if ms < 0 {
		return Result{}, fault.New(fault.BadArguments, "argument %q must be non-negative", "timeout").
			WithDetail("argument", "timeout")
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ok(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func cmdEvaluate(ctx context.Context, p *session.Page, req Request) (Result, error) {
	expr, err := needString(req, 0, "expression")
	if err != nil {
		return Result{}, err
	}
	var arg any
	if len(req.Args) > 1 {
		arg = req.Args[1]
	}
	raw, err := p.Handle.Evaluate(ctx, expr, arg)
	if err != nil {
		return Result{}, err
	}
	res := ok()
	res.Result = raw
	return res, nil
}

func cmdGetInfo(ctx context.Context, p *session.Page, req Request) (Result, error) {
	info, err := p.Handle.Info(ctx)
	if err != nil {
		return Result{}, err
	}
	res := ok()
	res.Info = &Info{
		URL:   info.URL,
		Title: info.Title,
		Viewport: Viewport{
			Width:  info.ViewportWidth,
			Height: info.ViewportHeight,
		},
	}
	return res, nil
}

func cmdReload(ctx context.Context, p *session.Page, req Request) (Result, error) {
	if err := p.Handle.Reload(ctx); err != nil {
		return Result{}, err
	}
	return resultWithURL(ctx, p)
}

func cmdBack(ctx context.Context, p *session.Page, req Request) (Result, error) {
	if err := p.Handle.Back(ctx); err != nil {
		return Result{}, err
	}
	return resultWithURL(ctx, p)
}

func cmdForward(ctx context.Context, p *session.Page, req Request) (Result, error) {
	if err := p.Handle.Forward(ctx); err != nil {
		return Result{}, err
	}
	return resultWithURL(ctx, p)
}

func cmdMouseClickXY(ctx context.Context, p *session.Page, req Request) (Result, error) {
	x, err := needNumber(req, 0, "x")
	if err != nil {
		return Result{}, err
	}
	y, err := needNumber(req, 1, "y")
	if err != nil {
		return Result{}, err
	}
	if err := p.Handle.ClickXY(ctx, x, y); err != nil {
		return Result{}, err
	}
	res := ok()
	res.Message = fmt.Sprintf("Clicked at position (%.1f, %.1f)", x, y)
	return res, nil
}

// cmdScreenshot is a method because it needs the configured directory.
func (d *Dispatcher) cmdScreenshot(ctx context.Context, p *session.Page, req Request) (Result, error) {
	path := optString(req, 0, "path")
	format := "png"
	if f, ok := req.Kwargs["format"].(string); ok && f != "" {
		if f != "png" && f != "jpeg" {
			return Result{}, fault.New(fault.BadArguments, "argument %q must be png or jpeg", "format").
				WithDetail("argument", "format")
		}
		format = f
	}
	quality := 0
	if q, ok := asNumber(req.Kwargs["quality"]); ok {
		if q < 0 || q > 100 {
			return Result{}, fault.New(fault.BadArguments, "argument %q must be in [0,100]", "quality").
				WithDetail("argument", "quality")
		}
		quality = int(q)
	}

	data, err := p.Handle.Screenshot(ctx, kwargBool(req, "full_page"), format, quality)
	if err != nil {
		return Result{}, err
	}

	if path == "" {
		res := ok()
		res.Data = base64.StdEncoding.EncodeToString(data)
		return res, nil
	}

	if !filepath.IsLocal(path) {
		return Result{}, fault.New(fault.BadArguments, "argument %q must be a relative path inside the screenshot directory", "path").
			WithDetail("argument", "path")
	}
	full := filepath.Join(d.opts.ScreenshotDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Result{}, fmt.Errorf("create screenshot directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write screenshot: %w", err)
	}
	res := ok()
	res.Path = full
	return res, nil
}
