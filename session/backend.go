// Package session owns the browser instances: the backend abstraction, the
// session manager with its idle sweeper, and the page registry.
package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cverna/browserd/event"
	"github.com/cverna/browserd/fault"
)

// BrowserKind names a browser engine family.
type BrowserKind string

const (
	Chromium BrowserKind = "chromium"
	Firefox  BrowserKind = "firefox"
	WebKit   BrowserKind = "webkit"
)

// ParseKind validates a client-supplied browser kind.
func ParseKind(s string) (BrowserKind, error) {
	switch BrowserKind(s) {
	case Chromium, Firefox, WebKit:
		return BrowserKind(s), nil
	default:
		return "", fault.New(fault.InvalidBrowserKind, "unsupported browser kind %q", s).
			WithDetail("browser_type", s)
	}
}

// PageInfo is the snapshot returned by get_info.
type PageInfo struct {
	URL            string
	Title          string
	ViewportWidth  int
	ViewportHeight int
}

// Backend launches browser processes. The core is written against this
// narrow interface; the rod implementation is the only production one and
// tests substitute a deterministic stub.
type Backend interface {
	// Launch starts a browser of the given kind and returns its handle.
	Launch(ctx context.Context, kind BrowserKind, headless bool) (BrowserHandle, error)
}

// BrowserHandle is one running browser process.
type BrowserHandle interface {
	// NewContext creates an isolated profile (cookies, storage, cache).
	NewContext(ctx context.Context) (ContextHandle, error)
	Close(ctx context.Context) error
}

// ContextHandle is one isolated browser context.
type ContextHandle interface {
	NewPage(ctx context.Context) (PageHandle, error)
	Close(ctx context.Context) error
}

// PageHandle is one tab. All methods honor ctx cancellation/deadline.
// Element-based operations report a selector that never resolved within the
// deadline as ErrElementNotFound; other deadline expiries surface as the
// ctx error.
type PageHandle interface {
	Navigate(ctx context.Context, url, waitUntil string) error
	Reload(ctx context.Context) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error

	Click(ctx context.Context, selector string) error
	ClickXY(ctx context.Context, x, y float64) error
	Fill(ctx context.Context, selector, value string) error
	// Type sends text; empty selector targets the focused element.
	Type(ctx context.Context, selector, text string) error
	// Press sends one named key; empty selector targets the focused element.
	Press(ctx context.Context, selector, key string) error
	SelectOption(ctx context.Context, selector, value string) error

	WaitForSelector(ctx context.Context, selector, state string) error
	WaitForLoadState(ctx context.Context, state string) error

	// Screenshot captures the viewport (or full page) as png or jpeg.
	Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error)
	// Evaluate runs an expression or function with an optional argument and
	// returns the JSON-marshaled result.
	Evaluate(ctx context.Context, expression string, arg any) (json.RawMessage, error)
	// EvaluateAsync runs raw JS wrapped in an async IIFE (one-line fallback).
	EvaluateAsync(ctx context.Context, js string) (json.RawMessage, error)

	Info(ctx context.Context) (PageInfo, error)
	// Alive reports whether the backend still considers the page open.
	Alive() bool
	// AttachCapture installs console/network hooks feeding bufs and returns
	// a detach function.
	AttachCapture(ctx context.Context, bufs *event.Buffers, logger *slog.Logger) (detach func())
	Close(ctx context.Context) error
}

// Sentinel errors the backend uses so the dispatcher can classify failures
// without depending on driver error strings.
var (
	ErrElementNotFound       = fault.New(fault.ElementNotFound, "selector resolved to no element within timeout")
	ErrNavigationInterrupted = fault.New(fault.NavigationInterrupted, "navigation aborted by a subsequent action")
)
