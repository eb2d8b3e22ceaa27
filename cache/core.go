package cache

import (
	"hash/maphash"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/IvanBrykalov/memocache/internal/util"
)

// core is the concurrent key -> entry map shared by SyncCache and AsyncCache.
// R is the materialized result type: a value/error pair for the sync cache,
// a future for the async one.
//
// Reads of fresh entries are lock-free. The per-entry mutex is taken only to
// run a factory or to renew; there is no map-wide lock.
type core[K comparable, R any] struct {
	entries *xsync.MapOf[K, *entry[K, R]]
	clock   Clock
	ttl     int64
	metrics Metrics

	// faulted reports results that must be treated as expired.
	faulted func(R) bool
	// removed is notified for every removed entry that had a published result.
	removed func(k K, r R, reason EvictReason)

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicInt64
}

func newCore[K comparable, V, R any](opt Options[K, V], faulted func(R) bool, removed func(K, R, EvictReason)) *core[K, R] {
	return &core[K, R]{
		entries: xsync.NewTypedMapOf[K, *entry[K, R]](func(seed maphash.Seed, k K) uint64 {
			return util.Hash(seed, k)
		}),
		clock:   opt.Clock,
		ttl:     int64(opt.TTL),
		metrics: opt.Metrics,
		faulted: faulted,
		removed: removed,
	}
}

func (c *core[K, R]) now() int64 { return c.clock.NowUnixNano() }

// hit is the optimistic fast path: a fresh entry's result with no allocation.
func (c *core[K, R]) hit(key K) (R, bool) {
	if e, ok := c.entries.Load(key); ok && !e.expired(c.now(), c.faulted) {
		c.hits.Add(1)
		c.metrics.Hit()
		return e.get(), true
	}
	var zero R
	return zero, false
}

// getOrAdd returns key's result, creating or renewing the entry with
// factory when it is missing or expired. When this call renewed an expired
// entry, stale holds the result published before the renewal.
func (c *core[K, R]) getOrAdd(key K, factory func(K) R) (fresh, stale R, renewed bool) {
	now := c.now()
	candidate := newEntry(key, factory, now+c.ttl)

	for {
		e, loaded := c.entries.LoadOrStore(key, candidate)
		if !loaded {
			c.added()
			return candidate.get(), stale, false
		}
		if !e.expired(now, c.faulted) {
			c.hits.Add(1)
			c.metrics.Hit()
			return e.get(), stale, false
		}

		prev, hadPrev, outcome := e.renew(candidate, now, c.faulted)
		switch outcome {
		case renewWon:
			c.misses.Add(1)
			c.metrics.Miss()
			return e.get(), prev, hadPrev
		case renewLost:
			// Another caller renewed first; share its generation.
			c.hits.Add(1)
			c.metrics.Hit()
			return e.get(), stale, false
		}
		// Swept or invalidated under us; the key is gone, look again.
	}
}

// addOrUpdate installs factory as the newest generation for key and
// materializes it.
func (c *core[K, R]) addOrUpdate(key K, factory func(K) R) R {
	deadline := c.now() + c.ttl
	candidate := newEntry(key, factory, deadline)
	for {
		e, loaded := c.entries.LoadOrStore(key, candidate)
		if !loaded {
			c.added()
			return candidate.get()
		}
		if e.replace(factory, deadline) {
			return e.get()
		}
	}
}

// tryUpdate publishes r for an existing key and renews its TTL.
func (c *core[K, R]) tryUpdate(key K, r R) bool {
	deadline := c.now() + c.ttl
	for {
		e, ok := c.entries.Load(key)
		if !ok {
			return false
		}
		if e.set(r, deadline) {
			return true
		}
	}
}

// tryUpdateWith replaces an existing key's result with updater(key, old).
// The current generation is materialized and the updater runs under the
// entry lock, so concurrent updaters see each other's results. Failed
// results are not updated.
func (c *core[K, R]) tryUpdateWith(key K, updater func(K, R) R) bool {
	deadline := c.now() + c.ttl
	for {
		e, ok := c.entries.Load(key)
		if !ok {
			return false
		}
		updated, removed := e.update(func(old R) (R, bool) {
			if c.faulted(old) {
				return old, false
			}
			return updater(key, old), true
		}, deadline)
		if !removed {
			return updated
		}
	}
}

// invalidate removes key. Returns true if an entry was removed.
func (c *core[K, R]) invalidate(key K) bool {
	e, ok := c.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	r, published := e.retire()
	c.notifyRemoved(key, r, published, EvictInvalidate)
	return true
}

// invalidateAll removes every entry present when the walk reaches it.
func (c *core[K, R]) invalidateAll() {
	c.entries.Range(func(k K, _ *entry[K, R]) bool {
		if e, ok := c.entries.LoadAndDelete(k); ok {
			r, published := e.retire()
			c.notifyRemoved(k, r, published, EvictInvalidate)
		}
		return true
	})
}

// invalidateExpired snapshots the expired entries, then removes each one only
// if the map still holds that same entry and it is still expired. A renewal
// that lands after the snapshot therefore survives. Entries whose lock is
// busy are being materialized or renewed and are left for the next pass.
// The removed result is captured under the entry lock, and the entry is
// retired there, so no renewal can publish into it afterwards.
func (c *core[K, R]) invalidateExpired() int {
	now := c.now()

	var expired []*entry[K, R]
	c.entries.Range(func(_ K, e *entry[K, R]) bool {
		if e.expired(now, c.faulted) {
			expired = append(expired, e)
		}
		return true
	})

	n := 0
	for _, e := range expired {
		var (
			reason    EvictReason
			r         R
			published bool
			removed   bool
		)
		c.entries.Compute(e.key, func(cur *entry[K, R], loaded bool) (*entry[K, R], bool) {
			if !loaded {
				return cur, true // nothing to delete
			}
			if cur != e || !e.mu.TryLock() {
				return cur, false
			}
			defer e.mu.Unlock()
			if !e.expired(now, c.faulted) {
				return cur, false
			}
			reason = EvictTTL
			if now <= e.validUntil.Load() {
				reason = EvictFault
			}
			r, published = e.retireLocked()
			removed = true
			return cur, true
		})
		if removed {
			c.notifyRemoved(e.key, r, published, reason)
			n++
		}
	}
	return n
}

func (c *core[K, R]) count() int { return c.entries.Size() }

func (c *core[K, R]) stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
	}
}

func (c *core[K, R]) added() {
	c.misses.Add(1)
	c.metrics.Miss()
	c.metrics.Size(c.count())
}

func (c *core[K, R]) notifyRemoved(k K, r R, published bool, reason EvictReason) {
	c.evicts.Add(1)
	c.metrics.Evict(reason)
	c.metrics.Size(c.count())
	if published && c.removed != nil {
		c.removed(k, r, reason)
	}
}
