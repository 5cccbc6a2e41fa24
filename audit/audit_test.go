package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := Open(path, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return trail, path
}

func TestLogAndQuery(t *testing.T) {
	trail, _ := openTestTrail(t)
	defer trail.Close()
	ctx := context.Background()

	e := trail.NewEntry(OpCommand, "s1", "p1", "goto", map[string]any{"url": "https://a"}, nil, 40*time.Millisecond)
	if err := trail.Log(ctx, e); err != nil {
		t.Fatalf("log: %v", err)
	}

	got, err := trail.Query(ctx, Filter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries: %d", len(got))
	}
	if got[0].Command != "goto" || got[0].Outcome != "success" || got[0].DurationMs != 40 {
		t.Fatalf("entry: %+v", got[0])
	}
	if got[0].Arguments != `{"url":"https://a"}` {
		t.Fatalf("arguments: %s", got[0].Arguments)
	}
}

func TestLogAsync_DrainedOnClose(t *testing.T) {
	trail, path := openTestTrail(t)
	for i := 0; i < 10; i++ {
		trail.LogAsync(trail.NewEntry(OpSessionCreate, "s1", "", "", nil, nil, 0))
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Query(context.Background(), Filter{Operation: OpSessionCreate})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("entries after drain: %d", len(got))
	}
}

func TestQuery_OutcomeFilter(t *testing.T) {
	trail, _ := openTestTrail(t)
	defer trail.Close()
	ctx := context.Background()

	trail.Log(ctx, trail.NewEntry(OpCommand, "s1", "p1", "click", nil, nil, 0))
	trail.Log(ctx, trail.NewEntry(OpCommand, "s1", "p1", "click", nil, errFake{}, 0))

	got, err := trail.Query(ctx, Filter{Outcome: "error"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ErrorMessage != "fake failure" {
		t.Fatalf("entries: %+v", got)
	}
}

func TestCleanup(t *testing.T) {
	trail, _ := openTestTrail(t)
	defer trail.Close()
	ctx := context.Background()

	old := trail.NewEntry(OpCommand, "s1", "p1", "goto", nil, nil, 0)
	old.Timestamp = time.Now().AddDate(0, 0, -10)
	trail.Log(ctx, old)
	trail.Log(ctx, trail.NewEntry(OpCommand, "s1", "p1", "goto", nil, nil, 0))

	n, err := trail.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted: %d", n)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake failure" }
