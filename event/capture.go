package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// inflightCap bounds the requestID -> (method, URL) index used to label
// responses and failures; Chrome reports those by request ID only.
const inflightCap = 2048

type requestInfo struct {
	method string
	url    string
}

// Capture subscribes the CDP console and network events of one page and
// feeds the page's ring buffers. Callbacks hand events to a dedicated
// consumer goroutine over buffered channels, so a slow reader applies
// backpressure to the event stream instead of dropping committed events.
// Capture never touches the per-page command mutex.
type Capture struct {
	bufs   *Buffers
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	consoleCh chan ConsoleEvent
	networkCh chan NetworkEvent

	mu       sync.Mutex
	inflight map[proto.NetworkRequestID]requestInfo
	order    []proto.NetworkRequestID
}

// Attach installs the four hooks (console, request, response, request
// failed) on page and starts the consumer. Detach stops everything.
func Attach(ctx context.Context, page *rod.Page, bufs *Buffers, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Capture{
		bufs:      bufs,
		log:       logger,
		cancel:    cancel,
		done:      make(chan struct{}),
		consoleCh: make(chan ConsoleEvent, 256),
		networkCh: make(chan NetworkEvent, 256),
		inflight:  make(map[proto.NetworkRequestID]requestInfo),
	}

	go c.consume(ctx)

	go page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			c.send(ctx, c.consoleCh, c.consoleEvent(ev))
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			info := requestInfo{url: ev.Request.URL}
			info.method = ev.Request.Method
			c.remember(ev.RequestID, info)
			c.sendNet(ctx, NetworkEvent{
				Time:      time.Now(),
				Method:    info.method,
				URL:       info.url,
				Direction: DirRequest,
			})
		},
		func(ev *proto.NetworkResponseReceived) {
			info := c.lookup(ev.RequestID)
			url := info.url
			if url == "" && ev.Response != nil {
				url = ev.Response.URL
			}
			status := 0
			if ev.Response != nil {
				status = ev.Response.Status
			}
			c.sendNet(ctx, NetworkEvent{
				Time:      time.Now(),
				Method:    info.method,
				URL:       url,
				Direction: DirResponse,
				Status:    status,
			})
		},
		func(ev *proto.NetworkLoadingFailed) {
			info := c.forget(ev.RequestID)
			c.sendNet(ctx, NetworkEvent{
				Time:      time.Now(),
				Method:    info.method,
				URL:       info.url,
				Direction: DirFailed,
				Failure:   ev.ErrorText,
			})
		},
	)()

	return c
}

// Detach cancels the hooks and waits for the consumer to drain.
func (c *Capture) Detach() {
	c.cancel()
	<-c.done
}

func (c *Capture) consume(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			// Drain what producers already committed.
			for {
				select {
				case e := <-c.consoleCh:
					c.bufs.Console.Append(e)
				case e := <-c.networkCh:
					c.bufs.Network.Append(e)
				default:
					return
				}
			}
		case e := <-c.consoleCh:
			c.bufs.Console.Append(e)
		case e := <-c.networkCh:
			c.bufs.Network.Append(e)
		}
	}
}

func (c *Capture) send(ctx context.Context, ch chan ConsoleEvent, e ConsoleEvent) {
	select {
	case ch <- e:
	case <-ctx.Done():
	}
}

func (c *Capture) sendNet(ctx context.Context, e NetworkEvent) {
	select {
	case c.networkCh <- e:
	case <-ctx.Done():
	}
}

func (c *Capture) consoleEvent(ev *proto.RuntimeConsoleAPICalled) ConsoleEvent {
	e := ConsoleEvent{
		Time: time.Now(),
		Kind: mapConsoleKind(ev.Type),
	}
	parts := make([]string, 0, len(ev.Args))
	for _, a := range ev.Args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			if raw, err := a.Value.MarshalJSON(); err == nil {
				e.Args = append(e.Args, raw)
			}
			continue
		}
		// Remote objects without a by-value payload: keep the text form,
		// the args list stays best effort.
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	e.Text = joinParts(parts)
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		f := ev.StackTrace.CallFrames[0]
		e.Location = fmt.Sprintf("%s:%d", f.URL, f.LineNumber)
	}
	return e
}

func joinParts(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

func mapConsoleKind(t proto.RuntimeConsoleAPICalledType) ConsoleKind {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeLog:
		return KindLog
	case proto.RuntimeConsoleAPICalledTypeInfo:
		return KindInfo
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return KindWarning
	case proto.RuntimeConsoleAPICalledTypeError:
		return KindError
	case proto.RuntimeConsoleAPICalledTypeDebug:
		return KindDebug
	case proto.RuntimeConsoleAPICalledTypeTrace:
		return KindTrace
	default:
		return KindLog
	}
}

func (c *Capture) remember(id proto.NetworkRequestID, info requestInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; !ok {
		c.order = append(c.order, id)
	}
	c.inflight[id] = info
	for len(c.order) > inflightCap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.inflight, oldest)
	}
}

func (c *Capture) lookup(id proto.NetworkRequestID) requestInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[id]
}

func (c *Capture) forget(id proto.NetworkRequestID) requestInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.inflight[id]
	delete(c.inflight, id)
	return info
}
