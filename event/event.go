// Package event holds the per-page console and network event model and the
// capture component that feeds the ring buffers from browser callbacks.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cverna/browserd/ringbuf"
)

// Ring-buffer capacities are fixed by contract: the console ring keeps the
// last 1000 messages, the network ring the last 500 events.
const (
	ConsoleCapacity = 1000
	NetworkCapacity = 500
)

// ConsoleKind classifies a console message.
type ConsoleKind string

const (
	KindLog     ConsoleKind = "log"
	KindInfo    ConsoleKind = "info"
	KindWarning ConsoleKind = "warning"
	KindError   ConsoleKind = "error"
	KindDebug   ConsoleKind = "debug"
	KindTrace   ConsoleKind = "trace"
)

// ConsoleEvent is one captured console message. Immutable after append.
type ConsoleEvent struct {
	Time     time.Time
	Kind     ConsoleKind
	Text     string
	Location string            // "url:line", best effort
	Args     []json.RawMessage // JSON-converted argument values, best effort
}

// Direction classifies a network event.
type Direction string

const (
	DirRequest  Direction = "request"
	DirResponse Direction = "response"
	DirFailed   Direction = "failed"
)

// NetworkEvent is one captured request, response or failure. Immutable.
type NetworkEvent struct {
	Time      time.Time
	Method    string
	URL       string
	Direction Direction
	Status    int    // responses only
	Failure   string // failed only
}

// Buffers bundles the two rings owned by a page.
type Buffers struct {
	Console *ringbuf.Ring[ConsoleEvent]
	Network *ringbuf.Ring[NetworkEvent]
}

// NewBuffers creates console and network rings at their fixed capacities.
func NewBuffers() *Buffers {
	return &Buffers{
		Console: ringbuf.New[ConsoleEvent](ConsoleCapacity),
		Network: ringbuf.New[NetworkEvent](NetworkCapacity),
	}
}

// Clear drops all captured events from both rings.
func (b *Buffers) Clear() {
	b.Console.Clear()
	b.Network.Clear()
}

// ConsoleFilter selects console events. Zero values mean "no constraint".
type ConsoleFilter struct {
	Kinds    map[ConsoleKind]bool
	Since    time.Time
	Until    time.Time
	Contains string // substring over Text
}

// Match reports whether e passes the filter conjunction.
func (f ConsoleFilter) Match(e ConsoleEvent) bool {
	if len(f.Kinds) > 0 && !f.Kinds[e.Kind] {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Text, f.Contains) {
		return false
	}
	return true
}

// NetworkFilter selects network events. Zero values mean "no constraint".
type NetworkFilter struct {
	Since    time.Time
	Until    time.Time
	Contains string // substring over URL
}

// Match reports whether e passes the filter conjunction.
func (f NetworkFilter) Match(e NetworkEvent) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.URL, f.Contains) {
		return false
	}
	return true
}

// QueryConsole returns up to limit matching console events, oldest first.
func (b *Buffers) QueryConsole(f ConsoleFilter, limit int) []ConsoleEvent {
	return b.Console.Query(f.Match, limit)
}

// QueryNetwork returns up to limit matching network events, oldest first.
func (b *Buffers) QueryNetwork(f NetworkFilter, limit int) []NetworkEvent {
	return b.Network.Query(f.Match, limit)
}
