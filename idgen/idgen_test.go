package idgen

import (
	"strings"
	"testing"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{8, 12, 16} {
		gen := NanoID(length)
		id := gen()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Alphabet(t *testing.T) {
	gen := NanoID(100)
	id := gen()
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
			t.Fatalf("NanoID: unexpected character %q in %q", c, id)
		}
	}
}

func TestHandle_Shape(t *testing.T) {
	id := Handle()
	if len(id) != HandleLength {
		t.Fatalf("Handle: got length %d, want %d", len(id), HandleLength)
	}
}

func TestUnique_SkipsTaken(t *testing.T) {
	ids := []string{"aaaaaaaa", "bbbbbbbb", "cccccccc"}
	i := 0
	gen := Generator(func() string {
		id := ids[i]
		i++
		return id
	})
	taken := map[string]bool{"aaaaaaaa": true, "bbbbbbbb": true}
	got := Unique(gen, func(id string) bool { return taken[id] })
	if got != "cccccccc" {
		t.Fatalf("Unique: got %q, want %q", got, "cccccccc")
	}
}

func TestUnique_Uniqueness(t *testing.T) {
	live := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := Unique(Handle, func(id string) bool {
			_, ok := live[id]
			return ok
		})
		if _, ok := live[id]; ok {
			t.Fatalf("Unique: duplicate live ID at iteration %d: %q", i, id)
		}
		live[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("req_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("Prefixed: expected prefix 'req_', got %q", id)
	}
	if len(id) != 4+8 {
		t.Fatalf("Prefixed: expected length 12, got %d", len(id))
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("UUIDv7: malformed %q", id)
	}
}
