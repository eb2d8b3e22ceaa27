package cache

import (
	"sync"
	"sync/atomic"
)

// entry is a per-key materialization cell owned by a core map.
//
// State machine: pending (factory != nil) -> materialized (factory == nil,
// result published). Renewal installs a fresh pending factory rather than
// mutating the materialized result, so every generation runs at most one
// factory.
//
// Publication order: result is stored before factory is cleared, and a
// renewal stores factory before validUntil. With Go's sequentially
// consistent atomics a reader that sees factory == nil always sees a
// published result, and a reader that sees a renewed validUntil always sees
// the renewed factory.
type entry[K comparable, R any] struct {
	key        K
	validUntil atomic.Int64
	factory    atomic.Pointer[func(K) R]
	result     atomic.Pointer[R]

	// mu is held while a factory runs and while factory/validUntil change.
	mu sync.Mutex
	// removed is set under mu once the entry left the map. A removed entry
	// accepts no new generation; callers look the key up again.
	removed bool
}

// renewal is the outcome of entry.renew.
type renewal int

const (
	renewLost renewal = iota // entry was fresh again by the time we locked
	renewWon
	renewRemoved // entry left the map; retry the lookup
)

func newEntry[K comparable, R any](key K, factory func(K) R, validUntil int64) *entry[K, R] {
	e := &entry[K, R]{key: key}
	e.factory.Store(&factory)
	e.validUntil.Store(validUntil)
	return e
}

// get returns the published result, invoking the pending factory first if
// there is one. Concurrent callers block on mu and then observe the result
// published by the winner instead of invoking the factory again.
func (e *entry[K, R]) get() R {
	if e.factory.Load() != nil {
		e.materialize()
	}
	return *e.result.Load()
}

func (e *entry[K, R]) materialize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.materializeLocked()
}

// materializeLocked runs the pending factory, if any. Callers hold mu, so a
// goroutine that waited for the lock finds factory == nil and returns.
func (e *entry[K, R]) materializeLocked() {
	f := e.factory.Load()
	if f == nil {
		return
	}
	r := (*f)(e.key)
	e.result.Store(&r)
	e.factory.Store(nil)
}

// peek returns the last published result without materializing.
func (e *entry[K, R]) peek() (R, bool) {
	if r := e.result.Load(); r != nil {
		return *r, true
	}
	var zero R
	return zero, false
}

// pending reports whether a factory is waiting to be invoked.
func (e *entry[K, R]) pending() bool { return e.factory.Load() != nil }

// expired reports whether the entry is past its deadline, or holds a failed
// result with no renewal pending (fail-fast eviction).
func (e *entry[K, R]) expired(now int64, faulted func(R) bool) bool {
	if now > e.validUntil.Load() {
		return true
	}
	if e.pending() {
		return false
	}
	r, ok := e.peek()
	return ok && faulted(r)
}

// renew moves candidate's factory and deadline into e if e is still
// expired. Only one of several racing renewals wins; losers get renewLost
// and their candidate factory is never invoked. The winner also gets the
// result published before the renewal.
func (e *entry[K, R]) renew(candidate *entry[K, R], now int64, faulted func(R) bool) (prev R, hadPrev bool, outcome renewal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return prev, false, renewRemoved
	}
	if !e.expired(now, faulted) {
		return prev, false, renewLost
	}
	prev, hadPrev = e.peek()
	e.factory.Store(candidate.factory.Load())
	e.validUntil.Store(candidate.validUntil.Load())
	return prev, hadPrev, renewWon
}

// replace unconditionally installs a new generation. It reports false if
// the entry was removed from the map.
func (e *entry[K, R]) replace(factory func(K) R, validUntil int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false
	}
	e.factory.Store(&factory)
	e.validUntil.Store(validUntil)
	return true
}

// set publishes r directly, dropping any pending factory. It reports false
// if the entry was removed from the map.
func (e *entry[K, R]) set(r R, validUntil int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false
	}
	e.result.Store(&r)
	e.factory.Store(nil)
	e.validUntil.Store(validUntil)
	return true
}

// update materializes the current generation and publishes fn's
// replacement in one critical section, so concurrent updaters chain
// instead of overwriting each other. fn returning false leaves the entry
// untouched.
func (e *entry[K, R]) update(fn func(old R) (R, bool), validUntil int64) (ok, removed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false, true
	}
	e.materializeLocked()
	next, ok := fn(*e.result.Load())
	if !ok {
		return false, false
	}
	e.result.Store(&next)
	e.validUntil.Store(validUntil)
	return true, false
}

// retire marks e removed and returns its last published result.
func (e *entry[K, R]) retire() (R, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retireLocked()
}

func (e *entry[K, R]) retireLocked() (R, bool) {
	e.removed = true
	return e.peek()
}
