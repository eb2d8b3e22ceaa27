package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// disposable counts Dispose calls.
type disposable struct {
	calls atomic.Int32
	err   error
}

func (d *disposable) Dispose() error {
	d.calls.Add(1)
	return d.err
}

func constant[V any](v V) func(string) (V, error) {
	return func(string) (V, error) { return v, nil }
}

func newSyncForTest[V any](t *testing.T, ttl time.Duration, clk Clock) *SyncCache[string, V] {
	t.Helper()
	c := NewSync[string, V](Options[string, V]{TTL: ttl, Clock: clk, DisableSweep: true})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Second call within the TTL keeps the first value; after expiry and a
// sweep the new factory runs.
func TestSyncCache_TTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newSyncForTest[string](t, time.Second, clk)

	if v, err := c.GetOrAdd("hello", constant("world")); err != nil || v != "world" {
		t.Fatalf("first GetOrAdd: v=%q err=%v", v, err)
	}
	if v, _ := c.GetOrAdd("hello", constant("no-no-no")); v != "world" {
		t.Fatalf("second GetOrAdd must hit, got %q", v)
	}

	clk.add(1100 * time.Millisecond)
	c.InvalidateExpiredItems()
	if n := c.Count(); n != 0 {
		t.Fatalf("Count after sweep want 0, got %d", n)
	}

	if v, _ := c.GetOrAdd("hello", constant("universe")); v != "universe" {
		t.Fatalf("after expiry want universe, got %q", v)
	}
}

// An expired entry that was not swept yet is renewed in place on access.
func TestSyncCache_RenewInPlace(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newSyncForTest[int](t, time.Second, clk)

	_, _ = c.GetOrAdd("k", func(string) (int, error) { return 1, nil })
	clk.add(2 * time.Second)

	if v, _ := c.GetOrAdd("k", func(string) (int, error) { return 2, nil }); v != 2 {
		t.Fatalf("renewed value want 2, got %d", v)
	}
	if n := c.Count(); n != 1 {
		t.Fatalf("Count want 1, got %d", n)
	}

	// The renewal must survive a sweep at the same instant.
	c.InvalidateExpiredItems()
	if v, _ := c.GetOrAdd("k", func(string) (int, error) { return 3, nil }); v != 2 {
		t.Fatalf("renewal lost to sweep, got %d", v)
	}
}

// N goroutines with distinct factories all observe the value of exactly one
// factory invocation.
func TestSyncCache_SingleMaterialization(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[int](t, time.Hour, nil)

	const N = 64
	var calls atomic.Int32
	results := make([]int, N)

	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			<-start
			v, err := c.GetOrAdd("k", func(string) (int, error) {
				calls.Add(1)
				time.Sleep(5 * time.Millisecond) // simulate I/O
				return i, nil
			})
			results[i] = v
			return err
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("factory must run exactly once, got %d", got)
	}
	for i, v := range results {
		if v != results[0] {
			t.Fatalf("goroutine %d observed %d, want %d", i, v, results[0])
		}
	}
}

// Concurrent accesses to an expired entry renew it exactly once.
func TestSyncCache_SingleRenewal(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newSyncForTest[string](t, time.Second, clk)
	_, _ = c.GetOrAdd("k", constant("old"))
	clk.add(2 * time.Second)

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := c.GetOrAdd("k", func(string) (string, error) {
				calls.Add(1)
				return "new", nil
			})
			if v != "new" {
				t.Errorf("want new, got %q", v)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("renewal factory must run once, got %d", got)
	}
}

// A failed factory is reported to its caller, shared within the generation,
// and retried on the next access.
func TestSyncCache_FactoryError(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[string](t, time.Hour, nil)
	errBoom := errors.New("boom")

	if _, err := c.GetOrAdd("k", func(string) (string, error) { return "", errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if n := c.Count(); n != 1 {
		t.Fatalf("failed entry stays resident until swept, Count=%d", n)
	}

	if v, err := c.GetOrAdd("k", constant("ok")); err != nil || v != "ok" {
		t.Fatalf("retry after failure: v=%q err=%v", v, err)
	}
}

func TestSyncCache_FactoryErrorSwept(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[string](t, time.Hour, nil)
	_, _ = c.GetOrAdd("k", func(string) (string, error) { return "", errors.New("boom") })

	c.InvalidateExpiredItems()
	if n := c.Count(); n != 0 {
		t.Fatalf("failed entry must be swept, Count=%d", n)
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Fatalf("Evictions want 1, got %d", s.Evictions)
	}
}

func TestSyncCache_FactoryPanic(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[string](t, time.Hour, nil)

	_, err := c.GetOrAdd("k", func(string) (string, error) { panic("kaboom") })
	if !errors.Is(err, ErrFactoryPanic) {
		t.Fatalf("want ErrFactoryPanic, got %v", err)
	}
}

func TestSyncCache_TryUpdateWith(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[int](t, 50000*time.Hour, nil)

	if v, _ := c.GetOrAdd("hello", func(string) (int, error) { return 1, nil }); v != 1 {
		t.Fatalf("want 1, got %d", v)
	}
	if !c.TryUpdateWith("hello", func(_ string, v int) (int, error) { return v + 1, nil }) {
		t.Fatal("TryUpdateWith on existing key must succeed")
	}

	v, err := c.GetOrAdd("hello", func(string) (int, error) { return 0, errors.New("must not run") })
	if err != nil || v != 2 {
		t.Fatalf("want 2, got v=%d err=%v", v, err)
	}
}

func TestSyncCache_TryUpdateMissing(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[string](t, time.Hour, nil)

	if c.TryUpdateWith("hello", func(string, string) (string, error) { return "universe", nil }) {
		t.Fatal("TryUpdateWith on missing key must be false")
	}
	if c.TryUpdate("hello", "universe") {
		t.Fatal("TryUpdate on missing key must be false")
	}
}

// Readers racing an updater see either the old or the new value.
func TestSyncCache_TryUpdateWithConcurrentReaders(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[int](t, time.Hour, nil)
	_, _ = c.GetOrAdd("k", func(string) (int, error) { return 1, nil })

	stop := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				v, err := c.GetOrAdd("k", func(string) (int, error) { return -1, nil })
				if err != nil || (v != 1 && v != 2) {
					return fmt.Errorf("torn read: v=%d err=%v", v, err)
				}
			}
		})
	}

	c.TryUpdateWith("k", func(_ string, v int) (int, error) {
		time.Sleep(time.Millisecond)
		return v + 1, nil
	})
	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// Concurrent updaters chain: none of them overwrites another's result.
func TestSyncCache_TryUpdateWithNoLostUpdates(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[int](t, time.Hour, nil)
	_, _ = c.GetOrAdd("k", func(string) (int, error) { return 0, nil })

	const updaters = 100
	var g errgroup.Group
	for i := 0; i < updaters; i++ {
		g.Go(func() error {
			if !c.TryUpdateWith("k", func(_ string, v int) (int, error) { return v + 1, nil }) {
				return errors.New("TryUpdateWith on existing key failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if v, _ := c.GetOrAdd("k", func(string) (int, error) { return -1, nil }); v != updaters {
		t.Fatalf("want %d, got %d", updaters, v)
	}
}

func TestSyncCache_TryUpdateRenewsTTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newSyncForTest[string](t, time.Second, clk)
	_, _ = c.GetOrAdd("k", constant("a"))

	clk.add(900 * time.Millisecond)
	if !c.TryUpdate("k", "b") {
		t.Fatal("TryUpdate must succeed")
	}
	clk.add(900 * time.Millisecond)
	c.InvalidateExpiredItems()

	if v, _ := c.GetOrAdd("k", constant("c")); v != "b" {
		t.Fatalf("want b, got %q", v)
	}
}

func TestSyncCache_AddOrUpdate(t *testing.T) {
	t.Parallel()

	c := newSyncForTest[string](t, time.Hour, nil)

	if v, _ := c.AddOrUpdate("k", constant("a")); v != "a" {
		t.Fatalf("insert: want a, got %q", v)
	}
	if v, _ := c.AddOrUpdate("k", constant("b")); v != "b" {
		t.Fatalf("update: want b, got %q", v)
	}
	if v, _ := c.GetOrAdd("k", constant("c")); v != "b" {
		t.Fatalf("want b, got %q", v)
	}
}

// A disposable value is not disposed while cached; InvalidateAll disposes it once.
func TestSyncCache_DisposeOnInvalidate(t *testing.T) {
	t.Parallel()

	var evicted []EvictReason
	c := NewSync[string, *disposable](Options[string, *disposable]{
		TTL:          time.Minute,
		DisableSweep: true,
		OnEvict: func(_ string, _ *disposable, r EvictReason) {
			evicted = append(evicted, r)
		},
	})

	d := &disposable{}
	got, _ := c.GetOrAdd("abc", func(string) (*disposable, error) { return d, nil })
	if got != d || d.calls.Load() != 0 {
		t.Fatalf("value must not be disposed while cached")
	}

	c.InvalidateAll()
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("Dispose calls want 1, got %d", n)
	}
	if len(evicted) != 1 || evicted[0] != EvictInvalidate {
		t.Fatalf("OnEvict reasons = %v", evicted)
	}

	_ = c.Close()
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("Close must not dispose twice, got %d", n)
	}
}

// A lookup that loaded an expired entry just before the sweeper removed it
// must not renew the removed entry: the swept value is disposed once and
// the next generation lands in a new, cached entry.
func TestSyncCache_SweepRetiresEntryBeforeRenewal(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newSyncForTest[*disposable](t, time.Second, clk)

	v1 := &disposable{}
	_, _ = c.GetOrAdd("k", constant(v1))
	clk.add(2 * time.Second)

	// What a racing GetOrAdd holds after LoadOrStore.
	loaded, ok := c.core.entries.Load("k")
	if !ok {
		t.Fatal("entry must be resident before the sweep")
	}
	if n := c.core.invalidateExpired(); n != 1 {
		t.Fatalf("sweep want 1 removal, got %d", n)
	}
	if n := v1.calls.Load(); n != 1 {
		t.Fatalf("swept value Dispose calls want 1, got %d", n)
	}

	v2 := &disposable{}
	candidate := newEntry("k", syncFactory(constant(v2)), clk.NowUnixNano()+int64(time.Second))
	if _, _, outcome := loaded.renew(candidate, clk.NowUnixNano(), c.core.faulted); outcome != renewRemoved {
		t.Fatalf("renewal of a swept entry want renewRemoved, got %v", outcome)
	}

	got, err := c.GetOrAdd("k", constant(v2))
	if err != nil || got != v2 {
		t.Fatalf("want the new generation, got %p err=%v", got, err)
	}
	if c.Count() != 1 || v2.calls.Load() != 0 {
		t.Fatalf("new value must be cached and live: Count=%d Dispose=%d", c.Count(), v2.calls.Load())
	}

	c.Invalidate("k")
	if v1.calls.Load() != 1 || v2.calls.Load() != 1 {
		t.Fatalf("each value disposed once: v1=%d v2=%d", v1.calls.Load(), v2.calls.Load())
	}
}

// Dispose errors are logged and swallowed.
func TestSyncCache_DisposeErrorLogged(t *testing.T) {
	t.Parallel()

	obs, logs := observer.New(zap.WarnLevel)
	c := NewSync[string, *disposable](Options[string, *disposable]{
		TTL:          time.Minute,
		DisableSweep: true,
		Logger:       zap.New(obs),
	})

	d := &disposable{err: errors.New("busy")}
	_, _ = c.GetOrAdd("k", func(string) (*disposable, error) { return d, nil })

	if !c.Invalidate("k") {
		t.Fatal("Invalidate must report the removal")
	}
	if c.Invalidate("k") {
		t.Fatal("second Invalidate must be false")
	}
	if n := logs.FilterMessage("dispose failed").Len(); n != 1 {
		t.Fatalf("want one dispose log entry, got %d", n)
	}
}

func TestSyncCache_CloseUnregisters(t *testing.T) {
	t.Parallel()

	sw := NewSweeper(time.Hour, nil)
	t.Cleanup(sw.Stop)

	c := NewSync[string, int](Options[string, int]{TTL: time.Minute, Sweeper: sw})
	if n := sw.Len(); n != 1 {
		t.Fatalf("registrations want 1, got %d", n)
	}
	_ = c.Close()
	if n := sw.Len(); n != 0 {
		t.Fatalf("registrations after Close want 0, got %d", n)
	}
}

func TestNewSync_PanicsOnZeroTTL(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("NewSync with zero TTL must panic")
		}
	}()
	NewSync[string, int](Options[string, int]{})
}
