package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/stevedore/internal/bundle"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/store"
)

// DefaultHotEntries is the LRU size when Options.HotEntries is zero.
const DefaultHotEntries = 256

// Options configures a Cache.
type Options struct {
	HotEntries int
	Remote     Remote
	Logger     *slog.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	store  *store.Store
	hot    *lru.Cache[ir.CacheKey, ir.Snapshot]
	group  singleflight.Group
	remote Remote
	logger *slog.Logger

	mu      sync.Mutex
	flights map[ir.CacheKey]*flight

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache over st.
func New(st *store.Store, opts Options) (*Cache, error) {
	size := opts.HotEntries
	if size <= 0 {
		size = DefaultHotEntries
	}
	hot, err := lru.New[ir.CacheKey, ir.Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   st,
		hot:     hot,
		remote:  opts.Remote,
		logger:  logger,
		flights: map[ir.CacheKey]*flight{},
	}, nil
}

// Get returns the artifact snapshot stored under key.
func (c *Cache) Get(ctx context.Context, key ir.CacheKey) (ir.Snapshot, bool, error) {
	if snap, ok := c.hot.Get(key); ok {
		c.hit(ctx, key)
		return snap, true, nil
	}

	entry, err := c.store.GetCacheEntry(ctx, key)
	switch {
	case err == nil:
		archive, err := c.store.GetBlob(ctx, entry.ArtifactDigest)
		if err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache get %s: %w", key.Short(), err)
		}
		snap, err := bundle.Unpack(archive)
		if err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache get %s: %w", key.Short(), err)
		}
		c.hot.Add(key, snap)
		c.hit(ctx, key)
		return snap, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return ir.Snapshot{}, false, fmt.Errorf("cache get %s: %w", key.Short(), err)
	}

	if c.remote != nil {
		snap, ok, err := c.fetchRemote(ctx, key)
		if err != nil {
			return ir.Snapshot{}, false, err
		}
		if ok {
			c.hits.Add(1)
			return snap, true, nil
		}
	}

	c.misses.Add(1)
	return ir.Snapshot{}, false, nil
}

// Put stores snap under key. If another writer got there first, the
// winner's snapshot is returned with stored=false and snap is discarded.
func (c *Cache) Put(ctx context.Context, key ir.CacheKey, stage string, snap ir.Snapshot) (ir.Snapshot, bool, error) {
	archive, err := bundle.Pack(snap)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("cache put %s: %w", key.Short(), err)
	}
	entry, inserted, err := c.store.PutCacheEntry(ctx, key, stage, archive)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("cache put %s: %w", key.Short(), err)
	}

	winner := snap
	if !inserted {
		data, err := c.store.GetBlob(ctx, entry.ArtifactDigest)
		if err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache put %s: load winner: %w", key.Short(), err)
		}
		if winner, err = bundle.Unpack(data); err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache put %s: load winner: %w", key.Short(), err)
		}
		c.logger.Debug("cache write lost race", "cache_key", key.Short(), "stage", stage)
	} else if c.remote != nil {
		if err := c.remote.Upload(ctx, key, archive); err != nil {
			// The local entry is authoritative; a failed mirror upload
			// only costs other hosts a rebuild.
			c.logger.Warn("cache mirror upload failed", "cache_key", key.Short(), "error", err)
		}
	}
	c.hot.Add(key, winner)
	return winner, inserted, nil
}

// Do returns the artifact for key, calling produce on a miss and storing
// its result. Concurrent callers with the same key share one produce call.
// cached reports whether the result came from the cache rather than from
// this process executing produce.
//
// The shared call runs under its own context, which is cancelled only once
// every caller waiting on it has returned. A caller whose ctx ends stops
// waiting with ctx.Err() and leaves the call running for the others.
func (c *Cache) Do(ctx context.Context, key ir.CacheKey, stage string, produce func(context.Context) (ir.Snapshot, error)) (snap ir.Snapshot, cached bool, err error) {
	type result struct {
		snap   ir.Snapshot
		cached bool
	}
	if err := ctx.Err(); err != nil {
		return ir.Snapshot{}, false, err
	}

	f := c.join(ctx, key)
	defer c.leave(key, f)

	ch := c.group.DoChan(string(key), func() (any, error) {
		snap, ok, err := c.Get(f.ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return result{snap: snap, cached: true}, nil
		}
		produced, err := produce(f.ctx)
		if err != nil {
			return nil, err
		}
		winner, _, err := c.Put(f.ctx, key, stage, produced)
		if err != nil {
			return nil, err
		}
		return result{snap: winner}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ir.Snapshot{}, false, res.Err
		}
		r := res.Val.(result)
		return r.snap, r.cached || res.Shared, nil
	case <-ctx.Done():
		c.logger.Debug("stopped waiting for cache entry", "cache_key", key.Short(), "stage", stage)
		return ir.Snapshot{}, false, ctx.Err()
	}
}

// flight is the context shared by every caller waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Cache) join(ctx context.Context, key ir.CacheKey) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

// leave cancels the shared call once nobody waits on it. Forget makes the
// next caller start a fresh call instead of joining the cancelled one.
func (c *Cache) leave(key ir.CacheKey, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(c.flights, key)
	c.group.Forget(string(key))
}

// Stats summarises the cache.
type Stats struct {
	Entries int            `json:"entries"`
	Hits    int64          `json:"hits"` // persisted over the cache's lifetime
	Session SessionStats   `json:"session"`
	Stages  map[string]int `json:"stages"`
}

// SessionStats counts lookups made through this Cache value.
type SessionStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats reads entry counts from the store and hit counters from this
// process.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	s := Stats{Entries: len(entries), Stages: map[string]int{}}
	for _, e := range entries {
		s.Hits += e.Hits
		s.Stages[e.Stage]++
	}
	s.Session.Hits = c.hits.Load()
	s.Session.Misses = c.misses.Load()
	return s, nil
}

// Prune keeps the newest keep entries and drops the rest, including from
// the hot layer.
func (c *Cache) Prune(ctx context.Context, keep int) (int64, error) {
	removed, err := c.store.PruneCacheEntries(ctx, keep)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.hot.Purge()
	}
	c.logger.Info("cache pruned", "removed", removed, "kept", keep)
	return removed, nil
}

func (c *Cache) hit(ctx context.Context, key ir.CacheKey) {
	c.hits.Add(1)
	if err := c.store.RecordCacheHit(ctx, key); err != nil {
		c.logger.Warn("record cache hit failed", "cache_key", key.Short(), "error", err)
	}
}

// fetchRemote consults the mirror and imports a found artifact into the
// local store so later lookups stay local.
func (c *Cache) fetchRemote(ctx context.Context, key ir.CacheKey) (ir.Snapshot, bool, error) {
	archive, err := c.remote.Fetch(ctx, key)
	if errors.Is(err, ErrRemoteMiss) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		c.logger.Warn("cache mirror fetch failed", "cache_key", key.Short(), "error", err)
		return ir.Snapshot{}, false, nil
	}
	snap, err := bundle.Unpack(archive)
	if err != nil {
		c.logger.Warn("cache mirror returned unreadable artifact", "cache_key", key.Short(), "error", err)
		return ir.Snapshot{}, false, nil
	}
	entry, _, err := c.store.PutCacheEntry(ctx, key, "remote", archive)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("cache import %s: %w", key.Short(), err)
	}
	if entry.ArtifactDigest != ir.ContentDigest(archive) {
		// A local writer won meanwhile; serve its artifact.
		data, err := c.store.GetBlob(ctx, entry.ArtifactDigest)
		if err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache import %s: %w", key.Short(), err)
		}
		if snap, err = bundle.Unpack(data); err != nil {
			return ir.Snapshot{}, false, fmt.Errorf("cache import %s: %w", key.Short(), err)
		}
	}
	c.hot.Add(key, snap)
	c.logger.Debug("cache hit from mirror", "cache_key", key.Short())
	return snap, true, nil
}
