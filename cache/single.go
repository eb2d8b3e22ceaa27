package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/memocache/internal/util"
)

// SingleAsyncCache holds exactly one memoized future, e.g. a global
// configuration document or a token. It is the map-free counterpart of
// AsyncCache and is safe for concurrent use.
type SingleAsyncCache[T any] struct {
	mu      sync.Mutex // serializes creation and refresh
	slot    atomic.Pointer[Future[T]]
	expires atomic.Int64

	opt        SingleOptions[T]
	unregister func()

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicInt64
}

// NewSingleAsync constructs a SingleAsyncCache. It panics if opt.TTL <= 0.
func NewSingleAsync[T any](opt SingleOptions[T]) *SingleAsyncCache[T] {
	opt.applyDefaults()

	c := &SingleAsyncCache[T]{opt: opt}
	if !opt.DisableSweep {
		c.unregister = register(opt.Sweeper, c, (*SingleAsyncCache[T]).InvalidateExpiredItems)
	}
	return c
}

// GetOrAdd returns the cached future, creating it with factory when the
// slot is empty. On expiry a fresh future is swapped in and the old one is
// released; the old future is still returned while the fresh one runs,
// unless WaitForRefresh is set. A served stale value is disposed only after
// the fresh future settles.
func (c *SingleAsyncCache[T]) GetOrAdd(factory func() *Future[T]) *Future[T] {
	for {
		f := c.slot.Load()
		if f == nil {
			if f = c.create(factory); f != nil {
				return f
			}
			continue
		}
		if !c.expired(f) {
			c.hit()
			return f
		}
		if fresh, ok := c.refresh(f, factory); ok {
			return fresh
		}
		// Lost the refresh race or the slot was invalidated; look again.
	}
}

// create fills an empty slot (double-checked under mu). It returns nil if
// the slot was filled and expired again before we got the lock.
func (c *SingleAsyncCache[T]) create(factory func() *Future[T]) *Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f := c.slot.Load(); f != nil {
		if c.expired(f) {
			return nil
		}
		c.hit()
		return f
	}
	f := c.invoke(factory)
	c.expires.Store(c.deadline())
	c.slot.Store(f)
	c.miss()
	return f
}

// refresh replaces old with a fresh future if old is still in the slot and
// returns the future the caller should see. The swap is a CompareAndSwap:
// Invalidate and InvalidateExpiredItems do not take mu, and if one of them
// removed old while the factory ran, old has been released already.
func (c *SingleAsyncCache[T]) refresh(old *Future[T], factory func() *Future[T]) (*Future[T], bool) {
	c.mu.Lock()
	if c.slot.Load() != old {
		c.mu.Unlock()
		return nil, false
	}
	fresh := c.invoke(factory)
	c.expires.Store(c.deadline())
	swapped := c.slot.CompareAndSwap(old, fresh)
	if !swapped {
		// Only mu holders store a non-nil future, so the slot is empty.
		c.slot.Store(fresh)
	}
	c.mu.Unlock()

	c.miss()
	if !swapped {
		return fresh, true
	}

	reason := c.reason(old)
	if c.opt.WaitForRefresh || fresh.IsDone() || old.faulted() {
		c.removed(old, reason)
		return fresh, true
	}
	c.evicted(reason)
	go func() {
		<-fresh.Done()
		c.release(old, reason)
	}()
	return old, true
}

// Invalidate empties the slot and releases the old future.
func (c *SingleAsyncCache[T]) Invalidate() {
	if old := c.slot.Swap(nil); old != nil {
		c.removed(old, EvictInvalidate)
	}
}

// InvalidateAll is Invalidate; it lets the cache sit in a Registry.
func (c *SingleAsyncCache[T]) InvalidateAll() { c.Invalidate() }

// InvalidateExpiredItems empties the slot if it is expired or failed.
func (c *SingleAsyncCache[T]) InvalidateExpiredItems() {
	f := c.slot.Load()
	if f == nil || !c.expired(f) {
		return
	}
	if c.slot.CompareAndSwap(f, nil) {
		c.removed(f, c.reason(f))
	}
}

// Count returns 1 if the slot holds a future and 0 otherwise.
func (c *SingleAsyncCache[T]) Count() int {
	if c.slot.Load() == nil {
		return 0
	}
	return 1
}

// TTL returns the configured time-to-live.
func (c *SingleAsyncCache[T]) TTL() time.Duration { return c.opt.TTL }

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *SingleAsyncCache[T]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Evictions: c.evicts.Load()}
}

// Close empties the slot and leaves the sweeper.
func (c *SingleAsyncCache[T]) Close() error {
	c.Invalidate()
	if c.unregister != nil {
		c.unregister()
	}
	return nil
}

func (c *SingleAsyncCache[T]) expired(f *Future[T]) bool {
	return c.opt.Clock.NowUnixNano() > c.expires.Load() || f.faulted()
}

func (c *SingleAsyncCache[T]) reason(f *Future[T]) EvictReason {
	if f.faulted() {
		return EvictFault
	}
	return EvictTTL
}

func (c *SingleAsyncCache[T]) deadline() int64 {
	return c.opt.deadline(c.opt.Clock.NowUnixNano())
}

func (c *SingleAsyncCache[T]) invoke(factory func() *Future[T]) *Future[T] {
	return call(func(struct{}) *Future[T] { return factory() }, struct{}{})
}

func (c *SingleAsyncCache[T]) hit() {
	c.hits.Add(1)
	c.opt.Metrics.Hit()
}

func (c *SingleAsyncCache[T]) miss() {
	c.misses.Add(1)
	c.opt.Metrics.Miss()
	c.opt.Metrics.Size(c.Count())
}

// removed counts the eviction and releases f.
func (c *SingleAsyncCache[T]) removed(f *Future[T], reason EvictReason) {
	c.evicted(reason)
	c.release(f, reason)
}

func (c *SingleAsyncCache[T]) evicted(reason EvictReason) {
	c.evicts.Add(1)
	c.opt.Metrics.Evict(reason)
	c.opt.Metrics.Size(c.Count())
}

// release disposes a successfully completed value.
func (c *SingleAsyncCache[T]) release(f *Future[T], reason EvictReason) {
	if f.Status() != StatusSucceeded {
		return
	}
	v, _ := f.Peek()
	dispose(c.opt.Logger, v)
	if cb := c.opt.OnEvict; cb != nil {
		cb(struct{}{}, v, reason)
	}
}
