package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCanceled is the error of a Future settled by Promise.Cancel.
var ErrCanceled = errors.New("cache: future canceled")

// ErrPending is returned by Peek while the future is not settled.
var ErrPending = errors.New("cache: future pending")

// ErrNilFuture is reported when an async factory returns a nil Future.
var ErrNilFuture = errors.New("cache: factory returned nil future")

// Status describes the state of a Future.
type Status int32

const (
	// StatusPending means not settled yet.
	StatusPending Status = iota
	// StatusSucceeded means settled with a value.
	StatusSucceeded
	// StatusFailed means settled with an error.
	StatusFailed
	// StatusCanceled means settled by Cancel with ErrCanceled.
	StatusCanceled
)

// Future is the eventual result of an asynchronous factory.
//
// Concurrency notes:
//   - A Future is settled exactly once. Publishing (val, err, status)
//     happens-before close(done), so reads after <-Done() observe the
//     final values.
//   - Awaiting with a cancelled ctx unblocks only that waiter; the
//     computation behind the Future keeps running.
type Future[V any] struct {
	done    chan struct{}
	settled atomic.Bool
	status  atomic.Int32
	val     V
	err     error
}

// Promise is the write side of a Future.
type Promise[V any] struct {
	f *Future[V]
}

// NewPromise returns an unsettled promise.
func NewPromise[V any]() Promise[V] {
	return Promise[V]{f: &Future[V]{done: make(chan struct{})}}
}

// Future returns the read side of the promise.
func (p Promise[V]) Future() *Future[V] { return p.f }

// Resolve settles the future with v. It reports false if already settled.
func (p Promise[V]) Resolve(v V) bool {
	return p.f.settle(v, nil, StatusSucceeded)
}

// Reject settles the future with err. It reports false if already settled.
func (p Promise[V]) Reject(err error) bool {
	var zero V
	return p.f.settle(zero, err, StatusFailed)
}

// Cancel settles the future with ErrCanceled. It reports false if already settled.
func (p Promise[V]) Cancel() bool {
	var zero V
	return p.f.settle(zero, ErrCanceled, StatusCanceled)
}

func (f *Future[V]) settle(v V, err error, s Status) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.val, f.err = v, err
	f.status.Store(int32(s))
	close(f.done)
	return true
}

// Completed returns a future already settled with v.
func Completed[V any](v V) *Future[V] {
	p := NewPromise[V]()
	p.Resolve(v)
	return p.f
}

// Failed returns a future already settled with err.
func Failed[V any](err error) *Future[V] {
	p := NewPromise[V]()
	p.Reject(err)
	return p.f
}

// Go runs fn in a new goroutine and returns its future.
// A panic in fn settles the future with ErrFactoryPanic.
func Go[V any](fn func() (V, error)) *Future[V] {
	p := NewPromise[V]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("%w: %v", ErrFactoryPanic, r))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p.f
}

// Then returns a future settled with fn applied to f's value.
// Errors of f are forwarded unchanged.
func Then[V, U any](f *Future[V], fn func(V) (U, error)) *Future[U] {
	return Go(func() (U, error) {
		v, err := f.Await(context.Background())
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(v)
	})
}

// Done is closed once the future is settled.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Status returns the current state.
func (f *Future[V]) Status() Status { return Status(f.status.Load()) }

// IsDone reports whether the future is settled.
func (f *Future[V]) IsDone() bool { return f.Status() != StatusPending }

// Await blocks until the future is settled or ctx is done.
func (f *Future[V]) Await(ctx context.Context) (V, error) {
	if f.IsDone() {
		return f.val, f.err
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Peek returns the settled result without blocking, or ErrPending.
func (f *Future[V]) Peek() (V, error) {
	if !f.IsDone() {
		var zero V
		return zero, ErrPending
	}
	return f.val, f.err
}

// faulted reports a settled, unsuccessful future.
func (f *Future[V]) faulted() bool {
	s := f.Status()
	return s == StatusFailed || s == StatusCanceled
}
