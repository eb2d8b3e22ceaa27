package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AsyncGetter is the part of AsyncCache that LoadBatch needs.
type AsyncGetter[K comparable, V any] interface {
	GetOrAdd(key K, factory func(K) *Future[V]) *Future[V]
}

// BulkLoader loads several keys in one call. Keys it cannot find are simply
// left out of the returned map.
type BulkLoader[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// placeholder is a pending per-key promise owned by one LoadBatch call.
type placeholder[K comparable, V any] struct {
	key     K
	promise Promise[V]
}

// LoadBatch resolves keys through c, calling bulk once for the keys that are
// not cached (or not in flight) yet.
//
// Every key goes through c.GetOrAdd with a placeholder factory, so concurrent
// callers for the same keys share the pending results. Keys that bulk does
// not return are canceled in the cache and left out of the result; they do
// not fail the batch. A bulk error rejects all placeholders of this call and
// is returned.
func LoadBatch[K comparable, V any](ctx context.Context, c AsyncGetter[K, V], keys []K, bulk BulkLoader[K, V]) (map[K]V, error) {
	var (
		mu     sync.Mutex
		misses []placeholder[K, V]
	)
	factory := func(k K) *Future[V] {
		p := NewPromise[V]()
		mu.Lock()
		misses = append(misses, placeholder[K, V]{key: k, promise: p})
		mu.Unlock()
		return p.Future()
	}

	futures := make([]*Future[V], len(keys))
	for i, k := range keys {
		futures[i] = c.GetOrAdd(k, factory)
	}

	// GetOrAdd materializes before returning, so every placeholder this call
	// installed is recorded by now.
	mu.Lock()
	pending := misses
	mu.Unlock()

	if len(pending) > 0 {
		if err := resolve(ctx, pending, bulk); err != nil {
			return nil, err
		}
	}

	var (
		outMu sync.Mutex
		out   = make(map[K]V, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		f := futures[i]
		g.Go(func() error {
			v, err := f.Await(gctx)
			switch {
			case errors.Is(err, ErrCanceled):
				return nil // not found; skip the key
			case err != nil:
				return err
			}
			outMu.Lock()
			out[k] = v
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve runs bulk for the pending keys and settles every placeholder
// exactly once.
func resolve[K comparable, V any](ctx context.Context, pending []placeholder[K, V], bulk BulkLoader[K, V]) (err error) {
	keys := make([]K, len(pending))
	for i, p := range pending {
		keys[i] = p.key
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFactoryPanic, r)
		}
		if err != nil {
			for _, p := range pending {
				p.promise.Reject(err)
			}
		}
	}()

	found, err := bulk(ctx, keys)
	if err != nil {
		return fmt.Errorf("cache: bulk load of %d keys: %w", len(keys), err)
	}
	for _, p := range pending {
		if v, ok := found[p.key]; ok {
			p.promise.Resolve(v)
		} else {
			p.promise.Cancel()
		}
	}
	return nil
}
