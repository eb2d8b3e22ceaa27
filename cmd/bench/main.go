// Command bench runs a synthetic memoization workload against the cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/memocache/cache"
	pmet "github.com/IvanBrykalov/memocache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		mode  = flag.String("mode", "sync", "cache flavour: sync | async")
		ttl   = flag.Duration("ttl", time.Second, "entry time-to-live")
		sweep = flag.Duration("sweep", cache.DefaultSweepPeriod, "sweeper period")
		wait  = flag.Bool("wait_refresh", false, "async: wait for refreshes instead of serving stale futures")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 95, "GetOrAdd percentage [0..100]; the rest are TryUpdate")
		latency  = flag.Duration("load_latency", time.Millisecond, "simulated factory latency")

		keys  = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Info("pprof: serving", zap.String("addr", *pprofAddr))
			log.Warn("pprof server stopped", zap.Error(http.ListenAndServe(*pprofAddr, nil)))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "memocache", "bench", prometheus.Labels{"mode": *mode})
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("metrics: serving", zap.String("addr", *metricsAddr))
		log.Warn("metrics server stopped", zap.Error(http.ListenAndServe(*metricsAddr, nil)))
	}()

	sweeper := cache.NewSweeper(*sweep, log)
	defer sweeper.Stop()

	var loads atomic.Uint64
	loadLatency := *latency
	load := func(k string) (string, error) {
		loads.Add(1)
		time.Sleep(loadLatency)
		return "v:" + k, nil
	}

	// ---- Build cache ----
	opt := cache.Options[string, string]{
		TTL:            *ttl,
		WaitForRefresh: *wait,
		Metrics:        metrics,
		Logger:         log,
		Sweeper:        sweeper,
	}
	var (
		get    func(k string) (string, error)
		update func(k, v string) bool
		count  func() int
	)
	switch *mode {
	case "sync":
		c := cache.NewSync(opt)
		defer func() { _ = c.Close() }()
		get = func(k string) (string, error) { return c.GetOrAdd(k, load) }
		update, count = c.TryUpdate, c.Count
	case "async":
		c := cache.NewAsync(opt)
		defer func() { _ = c.Close() }()
		factory := func(k string) *cache.Future[string] {
			return cache.Go(func() (string, error) { return load(k) })
		}
		get = func(k string) (string, error) { return c.GetOrAdd(k, factory).Await(context.Background()) }
		update, count = c.TryUpdateValue, c.Count
	default:
		log.Fatal("unknown mode (use sync or async)", zap.String("mode", *mode))
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var lookups, updates, failures, total atomic.Uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workersN; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(w)*9973))
			localZipf := rand.NewZipf(localR, *zipfS, *zipfV, keysMax)

			for ctx.Err() == nil {
				k := "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
				total.Add(1)
				if int(localR.Int31n(100)) < readPctVal {
					lookups.Add(1)
					if _, err := get(k); err != nil {
						failures.Add(1)
					}
				} else {
					updates.Add(1)
					update(k, "v"+strconv.Itoa(localR.Int()))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := total.Load()
	lookupsN := lookups.Load()
	loadsN := loads.Load()

	hitRate := 0.0
	if lookupsN > 0 {
		hitRate = (1 - float64(loadsN)/float64(lookupsN)) * 100
	}

	fmt.Printf("mode=%s ttl=%v workers=%d keys=%d dur=%v seed=%d\n",
		*mode, *ttl, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  lookups=%d  updates=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), lookupsN, updates.Load(), failures.Load())
	fmt.Printf("factory loads=%d  hit-rate=%.2f%%\n", loadsN, hitRate)
	fmt.Printf("Count()=%d\n", count())
}
