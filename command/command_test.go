package command

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/cverna/browserd/event"
	"github.com/cverna/browserd/fault"
	"github.com/cverna/browserd/session"
)

type fakeBackend struct{}

func (fakeBackend) Launch(ctx context.Context, kind session.BrowserKind, headless bool) (session.BrowserHandle, error) {
	return fakeBrowser{}, nil
}

type fakeBrowser struct{}

func (fakeBrowser) NewContext(ctx context.Context) (session.ContextHandle, error) {
	return fakeContext{}, nil
}
func (fakeBrowser) Close(ctx context.Context) error { return nil }

type fakeContext struct{}

func (fakeContext) NewPage(ctx context.Context) (session.PageHandle, error) {
	return &fakePage{alive: true, url: "about:blank"}, nil
}
func (fakeContext) Close(ctx context.Context) error { return nil }

// fakePage records the last backend call so tests can assert dispatch
// routing without a browser.
type fakePage struct {
	alive    bool
	url      string
	lastCall string
	lastArgs []any
}

func (p *fakePage) note(call string, args ...any) {
	p.lastCall = call
	p.lastArgs = args
}

func (p *fakePage) Navigate(ctx context.Context, url, waitUntil string) error {
	p.note("navigate", url, waitUntil)
	p.url = url
	return nil
}
func (p *fakePage) Reload(ctx context.Context) error { p.note("reload"); return nil }
func (p *fakePage) Back(ctx context.Context) error   { p.note("back"); return nil }
func (p *fakePage) Forward(ctx context.Context) error {
	p.note("forward")
	return nil
}
func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.note("click", selector)
	return nil
}
func (p *fakePage) ClickXY(ctx context.Context, x, y float64) error {
	p.note("click_xy", x, y)
	return nil
}
func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	p.note("fill", selector, value)
	return nil
}
func (p *fakePage) Type(ctx context.Context, selector, text string) error {
	p.note("type", selector, text)
	return nil
}
func (p *fakePage) Press(ctx context.Context, selector, key string) error {
	p.note("press", selector, key)
	return nil
}
func (p *fakePage) SelectOption(ctx context.Context, selector, value string) error {
	p.note("select_option", selector, value)
	return nil
}
func (p *fakePage) WaitForSelector(ctx context.Context, selector, state string) error {
	p.note("wait_for_selector", selector, state)
	return nil
}
func (p *fakePage) WaitForLoadState(ctx context.Context, state string) error {
	p.note("wait_for_load_state", state)
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	p.note("screenshot", fullPage, format, quality)
	return []byte{0x89, 'P', 'N', 'G'}, nil
}
func (p *fakePage) Evaluate(ctx context.Context, expr string, arg any) (json.RawMessage, error) {
	p.note("evaluate", expr, arg)
	return json.RawMessage(`{"answer":42}`), nil
}
func (p *fakePage) EvaluateAsync(ctx context.Context, js string) (json.RawMessage, error) {
	p.note("evaluate_async", js)
	return json.RawMessage(`"done"`), nil
}
func (p *fakePage) Info(ctx context.Context) (session.PageInfo, error) {
	return session.PageInfo{URL: p.url, Title: "Fake", ViewportWidth: 1280, ViewportHeight: 720}, nil
}
func (p *fakePage) Alive() bool { return p.alive }
func (p *fakePage) AttachCapture(ctx context.Context, bufs *event.Buffers, logger *slog.Logger) func() {
	return func() {}
}
func (p *fakePage) Close(ctx context.Context) error { return nil }

func testDispatcher(t *testing.T, opts Options) (*Dispatcher, *session.Manager, string, string, *fakePage) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(fakeBackend{}, session.Limits{MaxSessions: 4, MaxPagesPerSession: 4}, logger)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	ctx := context.Background()
	sv, err := mgr.CreateSession(ctx, "chromium", true)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	pv, err := mgr.CreatePage(ctx, sv.ID)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	p, err := mgr.FindPage(pv.ID)
	if err != nil {
		t.Fatalf("find page: %v", err)
	}
	return New(mgr, logger, opts), mgr, sv.ID, pv.ID, p.Handle.(*fakePage)
}

func TestExecute_UnknownCommand(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{})
	_, err := d.Execute(context.Background(), pid, Request{Command: "teleport"})
	if !fault.Is(err, fault.UnknownCommand) {
		t.Fatalf("got %v, want unknown command", err)
	}
}

func TestExecute_GotoReturnsURL(t *testing.T) {
	d, _, _, pid, fp := testDispatcher(t, Options{})
	res, err := d.Execute(context.Background(), pid, Request{
		Command: "goto",
		Args:    []any{"https://example.com"},
	})
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if res.Status != "success" || res.URL != "https://example.com" {
		t.Fatalf("result: %+v", res)
	}
	if fp.lastCall != "navigate" {
		t.Fatalf("backend call: %s", fp.lastCall)
	}
}

func TestExecute_ClickPositionMessage(t *testing.T) {
	d, _, _, pid, fp := testDispatcher(t, Options{})
	res, err := d.Execute(context.Background(), pid, Request{
		Command: "click",
		Kwargs:  map[string]any{"position": map[string]any{"x": 795.0, "y": 60.0}},
	})
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if res.Message != "Clicked at position (795.0, 60.0)" {
		t.Fatalf("message: %q", res.Message)
	}
	if fp.lastCall != "click_xy" {
		t.Fatalf("backend call: %s", fp.lastCall)
	}
}

func TestExecute_ClickWithoutTarget(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{})
	_, err := d.Execute(context.Background(), pid, Request{Command: "click"})
	if !fault.Is(err, fault.BadArguments) {
		t.Fatalf("got %v, want bad arguments", err)
	}
}

func TestExecute_TypeFocusedElement(t *testing.T) {
	d, _, _, pid, fp := testDispatcher(t, Options{})
	if _, err := d.Execute(context.Background(), pid, Request{
		Command: "type",
		Args:    []any{"hello"},
	}); err != nil {
		t.Fatalf("type: %v", err)
	}
	want := []any{"", "hello"}
	if fp.lastCall != "type" || !reflect.DeepEqual(fp.lastArgs, want) {
		t.Fatalf("backend call: %s %v", fp.lastCall, fp.lastArgs)
	}
}

func TestExecute_EvaluateResult(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{})
	res, err := d.Execute(context.Background(), pid, Request{
		Command: "evaluate",
		Args:    []any{"() => ({answer: 42})"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if string(res.Result) != `{"answer":42}` {
		t.Fatalf("result: %s", res.Result)
	}
}

func TestExecute_GetInfo(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{})
	res, err := d.Execute(context.Background(), pid, Request{Command: "get_info"})
	if err != nil {
		t.Fatalf("get_info: %v", err)
	}
	if res.Info == nil || res.Info.Title != "Fake" || res.Info.Viewport.Width != 1280 {
		t.Fatalf("info: %+v", res.Info)
	}
}

func TestExecute_ScreenshotInline(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{ScreenshotDir: t.TempDir()})
	res, err := d.Execute(context.Background(), pid, Request{Command: "screenshot"})
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if res.Data == "" || res.Path != "" {
		t.Fatalf("result: %+v", res)
	}
}

func TestExecute_ScreenshotToPath(t *testing.T) {
	dir := t.TempDir()
	d, _, _, pid, _ := testDispatcher(t, Options{ScreenshotDir: dir})
	res, err := d.Execute(context.Background(), pid, Request{
		Command: "screenshot",
		Kwargs:  map[string]any{"path": "shots/one.png"},
	})
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if res.Path == "" || res.Data != "" {
		t.Fatalf("result: %+v", res)
	}
}

func TestExecute_ScreenshotRejectsTraversal(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{ScreenshotDir: t.TempDir()})
	_, err := d.Execute(context.Background(), pid, Request{
		Command: "screenshot",
		Kwargs:  map[string]any{"path": "../outside.png"},
	})
	if !fault.Is(err, fault.BadArguments) {
		t.Fatalf("got %v, want bad arguments", err)
	}
}

func TestExecute_PageGone(t *testing.T) {
	d, _, _, pid, fp := testDispatcher(t, Options{})
	fp.alive = false
	_, err := d.Execute(context.Background(), pid, Request{Command: "get_info"})
	if !fault.Is(err, fault.PageGone) {
		t.Fatalf("got %v, want page gone", err)
	}
	// The registry forgot the page; the next call is a plain not-found.
	_, err = d.Execute(context.Background(), pid, Request{Command: "get_info"})
	if !fault.Is(err, fault.PageNotFound) {
		t.Fatalf("got %v, want page not found", err)
	}
}

func TestExecuteFor_WrongSession(t *testing.T) {
	d, mgr, _, pid, _ := testDispatcher(t, Options{})
	other, err := mgr.CreateSession(context.Background(), "chromium", true)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = d.ExecuteFor(context.Background(), other.ID, pid, Request{Command: "get_info"})
	if !fault.Is(err, fault.PageNotFound) {
		t.Fatalf("got %v, want page not found", err)
	}
}

func TestExecute_TouchesSession(t *testing.T) {
	d, mgr, sid, pid, _ := testDispatcher(t, Options{})
	before, err := mgr.GetSession(sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := d.Execute(context.Background(), pid, Request{Command: "get_info"}); err != nil {
		t.Fatalf("get_info: %v", err)
	}
	after, _ := mgr.GetSession(sid)
	if !after.LastUsedAt.After(before.LastUsedAt) {
		t.Fatalf("last used not refreshed: %v -> %v", before.LastUsedAt, after.LastUsedAt)
	}
}

func TestExecuteLine_ParsesAndDispatches(t *testing.T) {
	d, _, sid, pid, fp := testDispatcher(t, Options{})
	res, err := d.ExecuteLine(context.Background(), sid, pid, `await page.click({position:{x:795,y:60}})`)
	if err != nil {
		t.Fatalf("execute line: %v", err)
	}
	if res.Message != "Clicked at position (795.0, 60.0)" {
		t.Fatalf("message: %q", res.Message)
	}
	if fp.lastCall != "click_xy" {
		t.Fatalf("backend call: %s", fp.lastCall)
	}
}

func TestExecuteLine_FallbackDisabled(t *testing.T) {
	d, _, sid, pid, _ := testDispatcher(t, Options{})
	_, err := d.ExecuteLine(context.Background(), sid, pid, `document.title = "x"`)
	if !fault.Is(err, fault.UnparsableLine) {
		t.Fatalf("got %v, want unparsable line", err)
	}
}

func TestExecuteLine_FallbackEnabled(t *testing.T) {
	d, _, sid, pid, fp := testDispatcher(t, Options{EnableJSFallback: true})
	res, err := d.ExecuteLine(context.Background(), sid, pid, `document.title`)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if string(res.Result) != `"done"` || fp.lastCall != "evaluate_async" {
		t.Fatalf("result %s, call %s", res.Result, fp.lastCall)
	}
}

func TestObserveHook(t *testing.T) {
	d, _, _, pid, _ := testDispatcher(t, Options{})
	var gotCmd, gotOutcome string
	d.Observe = func(command, outcome string, elapsed time.Duration) {
		gotCmd, gotOutcome = command, outcome
	}
	if _, err := d.Execute(context.Background(), pid, Request{Command: "get_info"}); err != nil {
		t.Fatalf("get_info: %v", err)
	}
	if gotCmd != "get_info" || gotOutcome != "success" {
		t.Fatalf("observe: %s %s", gotCmd, gotOutcome)
	}
}
