// Package locker implements the per-supervisor mutual-exclusion primitive
// (C3) used to serialize power actions (start/stop/restart/kill).
package locker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by TryAcquire when the lock is already held.
var ErrBusy = errors.New("locker: busy")

// ErrTimeout is returned by AcquireWithTimeout when the deadline elapses
// before the lock becomes available.
var ErrTimeout = errors.New("locker: timeout")

// ErrCancelled is returned when the caller's context is cancelled while
// waiting to acquire the lock.
var ErrCancelled = errors.New("locker: cancelled")

// Locker is a one-permit semaphore with FIFO fairness among waiters,
// backed by golang.org/x/sync/semaphore.
type Locker struct {
	sem   *semaphore.Weighted
	held  int32 // atomic; informational only, see IsLocked
}

// New creates an unlocked Locker.
func New() *Locker {
	return &Locker{sem: semaphore.NewWeighted(1)}
}

// Guard releases the permit exactly once, on Release. The zero value is not
// usable.
type Guard struct {
	l *Locker
}

// Release releases the permit. Safe to call at most once per guard; the
// caller is expected to defer it immediately after a successful acquire.
func (g *Guard) Release() {
	if g.l != nil {
		atomic.StoreInt32(&g.l.held, 0)
		g.l.sem.Release(1)
		g.l = nil
	}
}

// Acquire waits indefinitely (or until ctx is cancelled) for the lock.
func (l *Locker) Acquire(ctx context.Context) (*Guard, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrCancelled
	}
	atomic.StoreInt32(&l.held, 1)
	return &Guard{l: l}, nil
}

// TryAcquire acquires the lock only if immediately available. Used by Kill
// so an emergency kill is never blocked by a stuck start/stop.
func (l *Locker) TryAcquire() (*Guard, error) {
	if !l.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	atomic.StoreInt32(&l.held, 1)
	return &Guard{l: l}, nil
}

// AcquireWithTimeout waits up to d for the lock to become available.
func (l *Locker) AcquireWithTimeout(ctx context.Context, d time.Duration) (*Guard, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
	atomic.StoreInt32(&l.held, 1)
	return &Guard{l: l}, nil
}

// IsLocked reports whether the lock is currently held.
func (l *Locker) IsLocked() bool {
	return atomic.LoadInt32(&l.held) == 1
}
