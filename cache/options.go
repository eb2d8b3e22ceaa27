package cache

import (
	"time"

	"go.uber.org/zap"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictTTL means the entry outlived its TTL and was swept or refreshed.
	EvictTTL EvictReason = iota
	// EvictFault means the entry held a failed result and was dropped early.
	EvictFault
	// EvictInvalidate means it was removed explicitly (Invalidate/InvalidateAll/Close).
	EvictInvalidate
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictFault:
		return "fault"
	case EvictInvalidate:
		return "invalidate"
	default:
		return "ttl"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
}

// Clock provides monotonic time in nanoseconds; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// monotonicClock counts nanoseconds since process start. time.Since reads the
// monotonic reading, so wall-clock jumps never expire or revive entries.
type monotonicClock struct{}

var epoch = time.Now()

func (monotonicClock) NowUnixNano() int64 { return int64(time.Since(epoch)) }

// Options configures a cache. Zero values are safe; defaults are applied
// by the constructors:
//   - nil Clock    => monotonic process clock
//   - nil Metrics  => NoopMetrics
//   - nil Logger   => zap.NewNop()
//   - nil Sweeper  => DefaultSweeper()
type Options[K comparable, V any] struct {
	// TTL is how long a materialized value stays fresh. Must be > 0.
	TTL time.Duration

	// DisableSweep keeps the cache out of the periodic Sweeper. Expired
	// entries are then only replaced on access or by InvalidateExpiredItems.
	DisableSweep bool

	// WaitForRefresh makes async lookups against an expired entry wait for
	// the refreshed value. By default the stale value is served while the
	// refresh runs (stale-while-revalidate).
	WaitForRefresh bool

	// OnEvict is called after a materialized, successful value is removed,
	// right after it has been disposed. Keep callbacks lightweight.
	OnEvict func(k K, v V, reason EvictReason)

	// Observability
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding the time source (tests).
	Clock Clock

	// Sweeper overrides the process-wide sweeper (tests, custom periods).
	Sweeper *Sweeper
}

// SingleOptions configures a SingleAsyncCache; OnEvict receives struct{}{} as key.
type SingleOptions[T any] = Options[struct{}, T]

func (o *Options[K, V]) applyDefaults() {
	if o.TTL <= 0 {
		panic("cache: TTL must be > 0")
	}
	if o.Clock == nil {
		o.Clock = monotonicClock{}
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sweeper == nil && !o.DisableSweep {
		o.Sweeper = DefaultSweeper()
	}
}

// deadline converts the TTL into an absolute expiration tick.
func (o *Options[K, V]) deadline(now int64) int64 {
	return now + int64(o.TTL)
}
