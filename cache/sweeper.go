package cache

import (
	"runtime"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"
)

// DefaultSweepPeriod is the period of the process-wide sweeper.
const DefaultSweepPeriod = 10 * time.Second

// Sweeper periodically asks registered caches to drop their expired entries.
//
// Registrations hold weak pointers: a cache that is no longer referenced
// anywhere else is collected even if nobody called Close, and its
// registration is pruned by a runtime cleanup or by the next pass.
type Sweeper struct {
	period time.Duration
	log    *zap.Logger

	// ---- guarded by mu ----
	mu   sync.Mutex
	regs map[*registration]struct{}

	start sync.Once
	stop  chan struct{}
	halt  sync.Once
}

// registration is one weakly held cache. sweep reports false once the cache
// has been collected.
type registration struct {
	sweep func() bool
}

// NewSweeper returns a sweeper with its own period. The ticker starts with
// the first registration. A nil logger discards output.
func NewSweeper(period time.Duration, logger *zap.Logger) *Sweeper {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		period: period,
		log:    logger,
		regs:   make(map[*registration]struct{}),
		stop:   make(chan struct{}),
	}
}

var (
	defaultSweeperOnce sync.Once
	defaultSweeper     *Sweeper
)

// DefaultSweeper returns the process-wide sweeper used by caches that do not
// set Options.Sweeper. It runs every DefaultSweepPeriod and is never stopped.
func DefaultSweeper() *Sweeper {
	defaultSweeperOnce.Do(func() {
		defaultSweeper = NewSweeper(DefaultSweepPeriod, nil)
	})
	return defaultSweeper
}

// register adds target to s without keeping it alive. expire is called with
// the target on every pass. The returned func removes the registration
// eagerly (used by Close) and cancels the collection cleanup.
func register[T any](s *Sweeper, target *T, expire func(*T)) func() {
	wp := weak.Make(target)
	reg := &registration{sweep: func() bool {
		t := wp.Value()
		if t == nil {
			return false
		}
		expire(t)
		return true
	}}
	s.add(reg)
	cleanup := runtime.AddCleanup(target, s.remove, reg)
	return func() {
		cleanup.Stop()
		s.remove(reg)
	}
}

func (s *Sweeper) add(r *registration) {
	s.start.Do(func() { go s.loop() })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[r] = struct{}{}
}

func (s *Sweeper) remove(r *registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, r)
}

func (s *Sweeper) loop() {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass synchronously: live caches drop their expired entries,
// dead registrations are removed.
func (s *Sweeper) Sweep() {
	for _, r := range s.snapshot() {
		if !s.run(r) {
			s.remove(r)
		}
	}
}

func (s *Sweeper) snapshot() []*registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	regs := make([]*registration, 0, len(s.regs))
	for r := range s.regs {
		regs = append(regs, r)
	}
	return regs
}

// run shields the sweeper goroutine from a panicking cache (e.g. a Clock
// implementation); the registration is kept.
func (s *Sweeper) run(r *registration) (alive bool) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("cache sweep panicked", zap.Any("panic", p))
			alive = true
		}
	}()
	return r.sweep()
}

// Len returns the number of registrations, including collected caches not
// yet pruned.
func (s *Sweeper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Period returns the sweep period.
func (s *Sweeper) Period() time.Duration { return s.period }

// Stop halts the ticker. Registrations stay; Sweep can still be called.
// It is a no-op for a sweeper that never started.
func (s *Sweeper) Stop() {
	s.halt.Do(func() { close(s.stop) })
}
