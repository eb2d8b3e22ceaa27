package cache

import "time"

// Cache is the management surface shared by every cache type, independent
// of key and value types. It is what a Registry stores.
type Cache interface {
	// InvalidateAll removes every entry, disposing successful values.
	InvalidateAll()

	// InvalidateExpiredItems removes entries that are past their TTL or
	// hold a failed result. The Sweeper calls it periodically.
	InvalidateExpiredItems()

	// Count returns the number of resident entries.
	Count() int

	// TTL returns the configured time-to-live.
	TTL() time.Duration

	// Stats returns a snapshot of hit/miss/eviction counters.
	Stats() Stats

	// Close evicts everything and unregisters from the Sweeper.
	Close() error
}

// KeyedCache adds per-key invalidation.
type KeyedCache[K comparable] interface {
	Cache
	Invalidate(key K) bool
}

// Compile-time checks.
var (
	_ KeyedCache[string]       = (*SyncCache[string, int])(nil)
	_ KeyedCache[string]       = (*AsyncCache[string, int])(nil)
	_ Cache                    = (*SingleAsyncCache[int])(nil)
	_ AsyncGetter[string, int] = (*AsyncCache[string, int])(nil)
)
