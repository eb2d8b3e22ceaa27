package cache

import "github.com/puzpuzpuz/xsync/v2"

// Registry maps names to caches for wiring and bulk invalidation (e.g. an
// admin endpoint that flushes one cache by name). It plays no part in
// materialization or eviction.
type Registry struct {
	caches *xsync.MapOf[string, Cache]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caches: xsync.NewMapOf[Cache]()}
}

// Add stores c under name, replacing any previous cache with that name.
func (r *Registry) Add(name string, c Cache) {
	r.caches.Store(name, c)
}

// Get returns the cache registered under name.
func (r *Registry) Get(name string) (Cache, bool) {
	return r.caches.Load(name)
}

// Caches returns a snapshot of the registered caches.
func (r *Registry) Caches() map[string]Cache {
	out := make(map[string]Cache, r.caches.Size())
	r.caches.Range(func(name string, c Cache) bool {
		out[name] = c
		return true
	})
	return out
}

// Len returns the number of registered caches.
func (r *Registry) Len() int { return r.caches.Size() }

// InvalidateAll flushes every registered cache.
func (r *Registry) InvalidateAll() {
	r.caches.Range(func(_ string, c Cache) bool {
		c.InvalidateAll()
		return true
	})
}

// TryInvalidateByName flushes the named cache. It reports whether it exists.
func (r *Registry) TryInvalidateByName(name string) bool {
	c, ok := r.caches.Load(name)
	if !ok {
		return false
	}
	c.InvalidateAll()
	return true
}

// NewSyncNamed constructs a SyncCache and registers it under name.
func NewSyncNamed[K comparable, V any](r *Registry, name string, opt Options[K, V]) *SyncCache[K, V] {
	c := NewSync(opt)
	r.Add(name, c)
	return c
}

// NewAsyncNamed constructs an AsyncCache and registers it under name.
func NewAsyncNamed[K comparable, V any](r *Registry, name string, opt Options[K, V]) *AsyncCache[K, V] {
	c := NewAsync(opt)
	r.Add(name, c)
	return c
}

// NewSingleAsyncNamed constructs a SingleAsyncCache and registers it under name.
func NewSingleAsyncNamed[T any](r *Registry, name string, opt SingleOptions[T]) *SingleAsyncCache[T] {
	c := NewSingleAsync(opt)
	r.Add(name, c)
	return c
}
