package session

import "context"

// pageLock serializes command execution on one page. Unlike sync.Mutex it
// honors context cancellation while waiting, so a caller whose request was
// abandoned does not queue forever behind a long command.
type pageLock struct {
	ch chan struct{}
}

func newPageLock() *pageLock {
	return &pageLock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is free or ctx is done.
func (l *pageLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock without blocking.
func (l *pageLock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. Calling Release without holding it panics.
func (l *pageLock) Release() {
	select {
	case <-l.ch:
	default:
		panic("pagelock: release of unheld lock")
	}
}
