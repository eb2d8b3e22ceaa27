package cache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// flight is the materialized result of an async entry: one future, or a
// fast/slow pair. While fast is set the entry serves it; once slow has
// settled the pair collapses to slow for good.
type flight[V any] struct {
	slow *Future[V]
	fast atomic.Pointer[Future[V]]
}

func newFlight[V any](f *Future[V]) *flight[V] { return &flight[V]{slow: f} }

// current returns the future callers should see right now. The slow future
// wins as soon as it is settled, even if fast also completed.
func (f *flight[V]) current() *Future[V] {
	fast := f.fast.Load()
	if fast == nil {
		return f.slow
	}
	if f.slow.IsDone() {
		f.fast.Store(nil)
		return f.slow
	}
	if fast.faulted() {
		return f.slow
	}
	return fast
}

func (f *flight[V]) faulted() bool { return f.current().faulted() }

// AsyncCache memoizes future-returning factories per key (single-flight):
// concurrent callers for one key share the same Future until the entry
// expires. All methods are safe for concurrent use.
//
// GetOrAdd never blocks on a factory's work; it only blocks while another
// goroutine is inside the same key's factory call itself.
type AsyncCache[K comparable, V any] struct {
	core       *core[K, *flight[V]]
	opt        Options[K, V]
	unregister func()
}

// NewAsync constructs an AsyncCache. It panics if opt.TTL <= 0.
func NewAsync[K comparable, V any](opt Options[K, V]) *AsyncCache[K, V] {
	opt.applyDefaults()

	c := &AsyncCache[K, V]{opt: opt}
	c.core = newCore(opt, (*flight[V]).faulted, c.evicted)
	if !opt.DisableSweep {
		c.unregister = register(opt.Sweeper, c, (*AsyncCache[K, V]).InvalidateExpiredItems)
	}
	return c
}

// GetOrAdd returns key's future, calling factory on a miss or after expiry.
//
// On an expired entry the factory is installed as the next generation and
// invoked. Unless WaitForRefresh is set, the previous (stale) future is
// returned while the fresh one is still running; a fresh future that is
// already settled is returned directly.
func (c *AsyncCache[K, V]) GetOrAdd(key K, factory func(K) *Future[V]) *Future[V] {
	if f, ok := c.core.hit(key); ok {
		return f.current()
	}
	return c.choose(c.core.getOrAdd(key, asyncFactory(factory)))
}

// GetOrAddDual is GetOrAdd with a cheap fast factory next to the canonical
// slow one. Both run when the entry is created; the entry serves the fast
// future until the slow one settles. A nil fast behaves like GetOrAdd.
func (c *AsyncCache[K, V]) GetOrAddDual(key K, slow, fast func(K) *Future[V]) *Future[V] {
	if fast == nil {
		return c.GetOrAdd(key, slow)
	}
	if f, ok := c.core.hit(key); ok {
		return f.current()
	}
	return c.choose(c.core.getOrAdd(key, func(k K) *flight[V] {
		fl := newFlight(call(slow, k))
		fl.fast.Store(call(fast, k))
		return fl
	}))
}

func (c *AsyncCache[K, V]) choose(fresh, stale *flight[V], renewed bool) *Future[V] {
	f := fresh.current()
	if !renewed || c.opt.WaitForRefresh || f.IsDone() {
		return f
	}
	if s := stale.current(); !s.faulted() {
		return s
	}
	return f
}

// AddOrUpdate installs factory as key's newest generation regardless of
// the current entry's age (push-style refresh).
func (c *AsyncCache[K, V]) AddOrUpdate(key K, factory func(K) *Future[V]) *Future[V] {
	return c.core.addOrUpdate(key, asyncFactory(factory)).current()
}

// TryUpdate sets an existing key's future and renews its TTL.
func (c *AsyncCache[K, V]) TryUpdate(key K, f *Future[V]) bool {
	if f == nil {
		return false
	}
	return c.core.tryUpdate(key, newFlight(f))
}

// TryUpdateValue sets an existing key to a completed future holding value.
func (c *AsyncCache[K, V]) TryUpdateValue(key K, value V) bool {
	return c.TryUpdate(key, Completed(value))
}

// TryUpdateWith replaces an existing key's future with updater(key, old).
// Concurrent updaters of one key are chained: each receives the future the
// previous one installed. updater runs with the entry locked, so it should
// compose futures (see Then) rather than await them.
func (c *AsyncCache[K, V]) TryUpdateWith(key K, updater func(K, *Future[V]) *Future[V]) bool {
	return c.core.tryUpdateWith(key, func(k K, old *flight[V]) *flight[V] {
		prev := old.current()
		return newFlight(call(func(k K) *Future[V] { return updater(k, prev) }, k))
	})
}

// Invalidate removes key, disposing its value if it completed successfully.
func (c *AsyncCache[K, V]) Invalidate(key K) bool { return c.core.invalidate(key) }

// InvalidateAll removes every entry.
func (c *AsyncCache[K, V]) InvalidateAll() { c.core.invalidateAll() }

// InvalidateExpiredItems removes expired entries and entries whose future failed.
func (c *AsyncCache[K, V]) InvalidateExpiredItems() { c.core.invalidateExpired() }

// Count returns the number of resident entries.
func (c *AsyncCache[K, V]) Count() int { return c.core.count() }

// TTL returns the configured time-to-live.
func (c *AsyncCache[K, V]) TTL() time.Duration { return c.opt.TTL }

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *AsyncCache[K, V]) Stats() Stats { return c.core.stats() }

// Close evicts everything and leaves the sweeper.
func (c *AsyncCache[K, V]) Close() error {
	c.InvalidateAll()
	if c.unregister != nil {
		c.unregister()
	}
	return nil
}

// evicted disposes successfully completed values only; failed, canceled and
// still-running futures are left alone.
func (c *AsyncCache[K, V]) evicted(k K, fl *flight[V], reason EvictReason) {
	f := fl.current()
	if f.Status() != StatusSucceeded {
		return
	}
	v, _ := f.Peek()
	dispose(c.opt.Logger, v)
	if cb := c.opt.OnEvict; cb != nil {
		cb(k, v, reason)
	}
}

func asyncFactory[K comparable, V any](factory func(K) *Future[V]) func(K) *flight[V] {
	return func(k K) *flight[V] { return newFlight(call(factory, k)) }
}

// call invokes an async factory; panics and nil futures become failed futures.
func call[K comparable, V any](factory func(K) *Future[V], k K) (f *Future[V]) {
	defer func() {
		if r := recover(); r != nil {
			f = Failed[V](fmt.Errorf("%w: %v", ErrFactoryPanic, r))
		}
	}()
	if f = factory(k); f == nil {
		f = Failed[V](ErrNilFuture)
	}
	return f
}
