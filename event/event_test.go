package event

import (
	"fmt"
	"testing"
	"time"
)

func fillConsole(b *Buffers, events ...ConsoleEvent) {
	for _, e := range events {
		b.Console.Append(e)
	}
}

func TestQueryConsole_KindFilterPreservesOrder(t *testing.T) {
	b := NewBuffers()
	base := time.Now()
	fillConsole(b,
		ConsoleEvent{Time: base, Kind: KindWarning, Text: "disk nearly full"},
		ConsoleEvent{Time: base.Add(time.Millisecond), Kind: KindLog, Text: "hello"},
		ConsoleEvent{Time: base.Add(2 * time.Millisecond), Kind: KindError, Text: "boom"},
	)

	got := b.QueryConsole(ConsoleFilter{
		Kinds: map[ConsoleKind]bool{KindError: true, KindWarning: true},
	}, 10)
	if len(got) != 2 {
		t.Fatalf("count: got %d, want 2", len(got))
	}
	if got[0].Kind != KindWarning || got[1].Kind != KindError {
		t.Fatalf("order: got [%s %s], want [warning error]", got[0].Kind, got[1].Kind)
	}
}

func TestQueryConsole_Substring(t *testing.T) {
	b := NewBuffers()
	base := time.Now()
	fillConsole(b,
		ConsoleEvent{Time: base, Kind: KindWarning, Text: "disk nearly full"},
		ConsoleEvent{Time: base, Kind: KindLog, Text: "hello"},
	)
	got := b.QueryConsole(ConsoleFilter{Contains: "disk"}, 0)
	if len(got) != 1 || got[0].Text != "disk nearly full" {
		t.Fatalf("substring filter: got %v", got)
	}
}

func TestQueryConsole_TimeWindow(t *testing.T) {
	b := NewBuffers()
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		b.Console.Append(ConsoleEvent{Time: base.Add(time.Duration(i) * time.Second), Kind: KindLog})
	}
	got := b.QueryConsole(ConsoleFilter{
		Since: base.Add(3 * time.Second),
		Until: base.Add(6 * time.Second),
	}, 0)
	if len(got) != 4 {
		t.Fatalf("window: got %d events, want 4", len(got))
	}
	if !got[0].Time.Equal(base.Add(3 * time.Second)) {
		t.Errorf("window start: got %v", got[0].Time)
	}
}

func TestConsoleOverflow_LastThousand(t *testing.T) {
	b := NewBuffers()
	for i := 0; i < 1100; i++ {
		b.Console.Append(ConsoleEvent{Time: time.Now(), Kind: KindLog, Text: fmt.Sprintf("%d", i)})
	}
	if b.Console.Len() != ConsoleCapacity {
		t.Fatalf("Len: got %d, want %d", b.Console.Len(), ConsoleCapacity)
	}
	if b.Console.Total() != 1100 {
		t.Fatalf("Total: got %d, want 1100", b.Console.Total())
	}
	got := b.QueryConsole(ConsoleFilter{}, 5)
	want := []string{"1095", "1096", "1097", "1098", "1099"}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("tail[%d]: got %q, want %q", i, got[i].Text, want[i])
		}
	}
}

func TestQueryNetwork_URLContains(t *testing.T) {
	b := NewBuffers()
	now := time.Now()
	b.Network.Append(NetworkEvent{Time: now, Method: "GET", URL: "https://example.com/api/a", Direction: DirRequest})
	b.Network.Append(NetworkEvent{Time: now, Method: "GET", URL: "https://example.com/static/x.css", Direction: DirRequest})
	b.Network.Append(NetworkEvent{Time: now, Method: "GET", URL: "https://example.com/api/a", Direction: DirResponse, Status: 200})

	got := b.QueryNetwork(NetworkFilter{Contains: "/api/"}, 0)
	if len(got) != 2 {
		t.Fatalf("count: got %d, want 2", len(got))
	}
	if got[1].Direction != DirResponse || got[1].Status != 200 {
		t.Fatalf("response event: %+v", got[1])
	}
}

func TestBuffersClear(t *testing.T) {
	b := NewBuffers()
	b.Console.Append(ConsoleEvent{Kind: KindLog})
	b.Network.Append(NetworkEvent{Direction: DirRequest})
	b.Clear()
	if b.Console.Len() != 0 || b.Network.Len() != 0 {
		t.Fatal("Clear left events behind")
	}
}
