package ringbuf

import (
	"strconv"
	"sync"
	"testing"
)

func TestAppend_UnderCapacity(t *testing.T) {
	r := New[int](5)
	for i := 0; i < 3; i++ {
		r.Append(i)
	}
	if r.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", r.Len())
	}
	got := r.Snapshot()
	for i, v := range got {
		if v != i {
			t.Errorf("Snapshot[%d]: got %d, want %d", i, v, i)
		}
	}
}

func TestAppend_OverflowKeepsLastCapacity(t *testing.T) {
	r := New[int](1000)
	for i := 0; i < 1100; i++ {
		r.Append(i)
	}
	if r.Len() != 1000 {
		t.Fatalf("Len: got %d, want 1000", r.Len())
	}
	if r.Total() != 1100 {
		t.Fatalf("Total: got %d, want 1100", r.Total())
	}
	snap := r.Snapshot()
	if snap[0] != 100 || snap[len(snap)-1] != 1099 {
		t.Fatalf("Snapshot bounds: got [%d..%d], want [100..1099]", snap[0], snap[len(snap)-1])
	}
	for i := 1; i < len(snap); i++ {
		if snap[i] != snap[i-1]+1 {
			t.Fatalf("Snapshot not in append order at %d", i)
		}
	}
}

func TestQuery_LimitReturnsMostRecentInOrder(t *testing.T) {
	r := New[string](1000)
	for i := 0; i < 1100; i++ {
		r.Append(strconv.Itoa(i))
	}
	got := r.Query(nil, 5)
	want := []string{"1095", "1096", "1097", "1098", "1099"}
	if len(got) != len(want) {
		t.Fatalf("Query: got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Query[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQuery_Predicate(t *testing.T) {
	r := New[int](10)
	for i := 0; i < 10; i++ {
		r.Append(i)
	}
	got := r.Query(func(v int) bool { return v%2 == 0 }, 3)
	want := []int{4, 6, 8}
	if len(got) != 3 {
		t.Fatalf("Query: got %d items, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Query[%d]: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestClear(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 6; i++ {
		r.Append(i)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear: got %d", r.Len())
	}
	if r.Total() != 6 {
		t.Fatalf("Total after Clear: got %d, want 6", r.Total())
	}
	r.Append(42)
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0] != 42 {
		t.Fatalf("Snapshot after Clear+Append: %v", snap)
	}
}

// Concurrent appends during reads must never produce a snapshot that exceeds
// capacity or loses order.
func TestConcurrentAppendAndQuery(t *testing.T) {
	r := New[int](128)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			r.Append(i)
		}
	}()
	for i := 0; i < 200; i++ {
		snap := r.Snapshot()
		if len(snap) > 128 {
			t.Fatalf("snapshot larger than capacity: %d", len(snap))
		}
		for j := 1; j < len(snap); j++ {
			if snap[j] != snap[j-1]+1 {
				t.Fatalf("snapshot out of order at %d: %d after %d", j, snap[j], snap[j-1])
			}
		}
	}
	wg.Wait()
	if r.Len() != 128 {
		t.Fatalf("final Len: got %d, want 128", r.Len())
	}
}
