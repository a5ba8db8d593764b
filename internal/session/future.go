package session

import (
	"context"
	"sync"
	"time"
)

// Future is a single-fire value. The first Resolve wins; later calls are
// ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewFuture creates an unresolved future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the value and wakes every waiter. Returns false if the
// future was already resolved.
func (f *Future[T]) Resolve(v T) bool {
	fired := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		fired = true
	})
	return fired
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout is Wait with a fixed deadline. ok is false on timeout.
func (f *Future[T]) WaitTimeout(d time.Duration) (v T, ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.val, true
	case <-timer.C:
		return v, false
	}
}
