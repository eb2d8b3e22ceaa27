// Package cache provides generic, in-memory TTL memoizing caches with
// single-flight materialization, stale-while-revalidate refresh, a
// process-wide expiry sweeper, and batched multi-key loading.
//
// Design
//
//   - Entries: each key maps to an entry that is either pending (holds a
//     factory) or materialized (holds the published result). The factory of
//     a generation runs at most once; goroutines racing on the same entry
//     wait on its mutex and then read the published result.
//
//   - Concurrency: the key -> entry map is an xsync.MapOf. Fresh hits are
//     lock-free and allocation-free; the per-entry mutex is taken only to
//     run a factory or to renew an expired entry. There is no map-wide lock.
//
//   - TTL: an entry is expired once its deadline passes or when its
//     published result failed (fail-fast retry). An expired entry is renewed
//     in place by the next GetOrAdd; exactly one renewal wins.
//
//   - Eviction: a Sweeper (DefaultSweeper, every 10s) calls
//     InvalidateExpiredItems on registered caches. It holds weak pointers,
//     so forgotten caches are still garbage collected. Removal re-checks the
//     entry under the map's per-key lock, so a renewal racing the sweep is
//     never lost.
//
//   - Disposal: evicted values that completed successfully and implement
//     Disposer (or io.Closer) are released; errors are logged, not returned.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals.
//     NoopMetrics is the default; package metrics/prom exports them to
//     Prometheus.
//
// Synchronous factories
//
//	c := cache.NewSync[string, string](cache.Options[string, string]{TTL: time.Minute})
//	v, err := c.GetOrAdd("hello", func(k string) (string, error) {
//	    return "world", nil
//	})
//
// Asynchronous factories
//
//	c := cache.NewAsync[string, *User](cache.Options[string, *User]{TTL: time.Minute})
//	f := c.GetOrAdd("42", func(id string) *cache.Future[*User] {
//	    return cache.Go(func() (*User, error) { return db.LoadUser(id) })
//	})
//	u, err := f.Await(ctx)
//
// By default an expired async entry keeps serving its previous future while
// the refresh runs; set Options.WaitForRefresh to wait for the new value.
//
// Batched loading
//
//	users, err := cache.LoadBatch(ctx, c, []string{"1", "2", "3"},
//	    func(ctx context.Context, ids []string) (map[string]*User, error) {
//	        return db.LoadUsers(ctx, ids) // called once, with the misses only
//	    })
//
// # Thread-safety
//
// All exported methods are safe for concurrent use.
package cache
