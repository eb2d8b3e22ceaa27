package cache

import (
	"fmt"
	"time"
)

// outcome is a materialized synchronous result.
type outcome[V any] struct {
	val V
	err error
}

// SyncCache memoizes a synchronous factory per key for the configured TTL.
// All methods are safe for concurrent use by multiple goroutines.
//
// The goroutine that wins the materialization race runs the factory and
// blocks for its duration; concurrent callers for the same key block on the
// entry and share the result.
type SyncCache[K comparable, V any] struct {
	core       *core[K, outcome[V]]
	opt        Options[K, V]
	unregister func()
}

// NewSync constructs a SyncCache. It panics if opt.TTL <= 0.
func NewSync[K comparable, V any](opt Options[K, V]) *SyncCache[K, V] {
	opt.applyDefaults()

	c := &SyncCache[K, V]{opt: opt}
	c.core = newCore(opt,
		func(o outcome[V]) bool { return o.err != nil },
		c.evicted,
	)
	if !opt.DisableSweep {
		c.unregister = register(opt.Sweeper, c, (*SyncCache[K, V]).InvalidateExpiredItems)
	}
	return c
}

// GetOrAdd returns the cached value for key, calling factory on a miss or
// after expiry. A factory error is returned to every caller of the same
// generation and the entry is retried on the next access.
func (c *SyncCache[K, V]) GetOrAdd(key K, factory func(K) (V, error)) (V, error) {
	if o, ok := c.core.hit(key); ok {
		return o.val, o.err
	}
	o, _, _ := c.core.getOrAdd(key, syncFactory(factory))
	return o.val, o.err
}

// AddOrUpdate unconditionally replaces key's value with factory's result.
func (c *SyncCache[K, V]) AddOrUpdate(key K, factory func(K) (V, error)) (V, error) {
	o := c.core.addOrUpdate(key, syncFactory(factory))
	return o.val, o.err
}

// TryUpdate sets the value of an existing key and renews its TTL.
func (c *SyncCache[K, V]) TryUpdate(key K, value V) bool {
	return c.core.tryUpdate(key, outcome[V]{val: value})
}

// TryUpdateWith replaces an existing key's value with updater(key, old).
// It returns false if key is absent or holds a failed result.
// Concurrent updaters of one key run one after another, each seeing the
// previous updater's result. updater runs with the entry locked and must
// not call back into the cache for the same key.
func (c *SyncCache[K, V]) TryUpdateWith(key K, updater func(K, V) (V, error)) bool {
	return c.core.tryUpdateWith(key, func(k K, old outcome[V]) outcome[V] {
		return invoke(func() (V, error) { return updater(k, old.val) })
	})
}

// Invalidate removes key, disposing its value.
func (c *SyncCache[K, V]) Invalidate(key K) bool { return c.core.invalidate(key) }

// InvalidateAll removes every entry, disposing their values.
func (c *SyncCache[K, V]) InvalidateAll() { c.core.invalidateAll() }

// InvalidateExpiredItems removes expired and failed entries.
func (c *SyncCache[K, V]) InvalidateExpiredItems() { c.core.invalidateExpired() }

// Count returns the number of resident entries.
func (c *SyncCache[K, V]) Count() int { return c.core.count() }

// TTL returns the configured time-to-live.
func (c *SyncCache[K, V]) TTL() time.Duration { return c.opt.TTL }

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *SyncCache[K, V]) Stats() Stats { return c.core.stats() }

// Close evicts everything and leaves the sweeper.
func (c *SyncCache[K, V]) Close() error {
	c.InvalidateAll()
	if c.unregister != nil {
		c.unregister()
	}
	return nil
}

func (c *SyncCache[K, V]) evicted(k K, o outcome[V], reason EvictReason) {
	if o.err != nil {
		return
	}
	dispose(c.opt.Logger, o.val)
	if cb := c.opt.OnEvict; cb != nil {
		cb(k, o.val, reason)
	}
}

// syncFactory adapts fn to the entry's factory shape.
func syncFactory[K comparable, V any](fn func(K) (V, error)) func(K) outcome[V] {
	return func(k K) outcome[V] {
		return invoke(func() (V, error) { return fn(k) })
	}
}

// invoke runs fn, turning a panic into an ErrFactoryPanic result so that
// goroutines waiting on the entry never hang.
func invoke[V any](fn func() (V, error)) (o outcome[V]) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome[V]{err: fmt.Errorf("%w: %v", ErrFactoryPanic, r)}
		}
	}()
	v, err := fn()
	return outcome[V]{val: v, err: err}
}
