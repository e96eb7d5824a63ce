package promise

import (
	"context"
	"sync"
)

// Promise is a one-shot completion shared by every caller of a batch window.
// It transitions at most once, from pending to either a value or an error,
// and may be awaited by any number of goroutines.
type Promise[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New creates a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve completes the promise with a value. Later calls to Resolve or
// Reject are no-ops.
func (p *Promise[T]) Resolve(val T) {
	p.once.Do(func() {
		p.val = val
		close(p.done)
	})
}

// Reject completes the promise with an error. Later calls to Resolve or
// Reject are no-ops.
func (p *Promise[T]) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the promise completes or ctx is cancelled. Cancellation
// abandons this caller's wait only; the promise itself is unaffected and
// other waiters still observe the eventual result.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed when the promise completes.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}
