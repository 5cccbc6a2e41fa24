// Package ringbuf implements the fixed-capacity event store shared by the
// capture hooks (single producer) and the HTTP readers (many consumers).
// Appends evict the oldest entry on overflow; reads copy a consistent
// snapshot under a short lock so concurrent appends never tear a result.
package ringbuf

import "sync"

// Ring is a bounded FIFO of T. The zero value is not usable; call New.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	size  int
	total uint64
}

// New creates a ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds v, evicting the oldest entry when full. O(1).
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
	} else {
		r.buf[r.start] = v
		r.start = (r.start + 1) % len(r.buf)
	}
	r.total++
}

// Len returns the number of entries currently held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the configured capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Total returns the count of entries ever appended, including evicted ones.
func (r *Ring[T]) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Snapshot copies the current contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Query returns up to limit of the most recent entries matching the
// predicate, in oldest-to-newest order. limit <= 0 means no limit.
func (r *Ring[T]) Query(match func(T) bool, limit int) []T {
	snap := r.Snapshot()
	var out []T
	for _, v := range snap {
		if match == nil || match(v) {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops every entry. The total-appended counter is preserved.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
