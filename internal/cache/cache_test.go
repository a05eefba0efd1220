package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/store"
)

type memRemote struct {
	mu      sync.Mutex
	objects map[ir.CacheKey][]byte
	fail    error
}

func newMemRemote() *memRemote {
	return &memRemote{objects: map[ir.CacheKey][]byte{}}
}

func (m *memRemote) Fetch(_ context.Context, key ir.CacheKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrRemoteMiss
	}
	return data, nil
}

func (m *memRemote) Upload(_ context.Context, key ir.CacheKey, archive []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = archive
	return nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCache(t *testing.T, st *store.Store, remote Remote) *Cache {
	t.Helper()
	c, err := New(st, Options{
		HotEntries: 4,
		Remote:     remote,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestCache_PutThenGet(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)
	ctx := context.Background()
	snap := ir.SnapshotOf(map[string]string{"node_modules/x/index.js": "x"})

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	winner, stored, err := c.Put(ctx, "k1", "deps", snap)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, snap.Digest(), winner.Digest())

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Digest(), got.Digest())
}

func TestCache_SurvivesReopen(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	snap := ir.SnapshotOf(map[string]string{"a": "a"})

	_, _, err := newTestCache(t, st, nil).Put(ctx, "k", "deps", snap)
	require.NoError(t, err)

	// A fresh cache has an empty hot layer and must read the store.
	fresh := newTestCache(t, st, nil)
	got, ok, err := fresh.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Digest(), got.Digest())

	stats, err := fresh.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Session.Hits)
	assert.Equal(t, map[string]int{"deps": 1}, stats.Stages)
}

func TestCache_LoserAdoptsWinner(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	first := ir.SnapshotOf(map[string]string{"out": "first"})
	second := ir.SnapshotOf(map[string]string{"out": "second"})

	_, _, err := newTestCache(t, st, nil).Put(ctx, "k", "build", first)
	require.NoError(t, err)

	winner, stored, err := newTestCache(t, st, nil).Put(ctx, "k", "build", second)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, first.Digest(), winner.Digest())
}

func TestCache_DoRunsProduceOnce(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)
	ctx := context.Background()

	var calls atomic.Int32
	produce := func(context.Context) (ir.Snapshot, error) {
		calls.Add(1)
		return ir.SnapshotOf(map[string]string{"dist/app.js": "app"}), nil
	}

	var wg sync.WaitGroup
	digests := make([]string, 10)
	for i := range digests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, _, err := c.Do(ctx, "shared", "build", produce)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			digests[i] = snap.Digest()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, d := range digests {
		assert.Equal(t, digests[0], d)
	}

	_, cached, err := c.Do(ctx, "shared", "build", produce)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_DoPropagatesProduceError(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)
	boom := errors.New("boom")

	_, _, err := c.Do(context.Background(), "k", "build", func(context.Context) (ir.Snapshot, error) {
		return ir.Snapshot{}, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "failed executions are not cached")
}

func waiting(c *Cache, key ir.CacheKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func TestCache_DoCancelledCallerLeavesSharedCallRunning(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)
	want := ir.SnapshotOf(map[string]string{"node_modules/.yarn-state": "ok"})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	produce := func(ctx context.Context) (ir.Snapshot, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return want, nil
		case <-ctx.Done():
			return ir.Snapshot{}, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, _, err := c.Do(ctxA, "deps", "deps", produce)
		errA <- err
	}()
	<-started

	type outcome struct {
		snap ir.Snapshot
		err  error
	}
	resB := make(chan outcome, 1)
	go func() {
		snap, _, err := c.Do(context.Background(), "deps", "deps", produce)
		resB <- outcome{snap, err}
	}()
	require.Eventually(t, func() bool { return waiting(c, "deps") == 2 }, time.Second, time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared call")
	}

	close(release)
	select {
	case got := <-resB:
		require.NoError(t, got.err)
		assert.Equal(t, want.Digest(), got.snap.Digest())
	case <-time.After(time.Second):
		t.Fatal("remaining caller never got the shared result")
	}
	assert.Equal(t, int32(1), calls.Load())

	_, ok, err := c.Get(context.Background(), "deps")
	require.NoError(t, err)
	assert.True(t, ok, "the shared result is stored")
}

func TestCache_DoLastCallerCancelStopsProduce(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)

	stopped := make(chan error, 1)
	started := make(chan struct{})
	produce := func(ctx context.Context) (ir.Snapshot, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ir.Snapshot{}, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Do(ctx, "build", "build", produce)
		done <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("produce kept running after every caller left")
	}

	snap, cached, err := c.Do(context.Background(), "build", "build", func(context.Context) (ir.Snapshot, error) {
		return ir.SnapshotOf(map[string]string{"dist/app.js": "app"}), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []string{"dist/app.js"}, snap.Paths())
}

func TestCache_RemoteMirror(t *testing.T) {
	remote := newMemRemote()
	ctx := context.Background()
	snap := ir.SnapshotOf(map[string]string{"lib/a.so": "a"})

	// Host A builds and uploads.
	_, _, err := newTestCache(t, openStore(t), remote).Put(ctx, "k", "deps", snap)
	require.NoError(t, err)
	require.Contains(t, remote.objects, ir.CacheKey("k"))

	// Host B has an empty store and finds it in the mirror.
	hostB := openStore(t)
	got, ok, err := newTestCache(t, hostB, remote).Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Digest(), got.Digest())

	// The import made it local.
	_, err = hostB.GetCacheEntry(ctx, "k")
	assert.NoError(t, err)
}

func TestCache_RemoteFailureIsAMiss(t *testing.T) {
	remote := newMemRemote()
	remote.fail = errors.New("connection refused")

	_, ok, err := newTestCache(t, openStore(t), remote).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Prune(t *testing.T) {
	c := newTestCache(t, openStore(t), nil)
	ctx := context.Background()
	for _, k := range []ir.CacheKey{"a", "b", "c"} {
		_, _, err := c.Put(ctx, k, "s", ir.SnapshotOf(map[string]string{"f": string(k)}))
		require.NoError(t, err)
	}

	removed, err := c.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "pruned entry must not be served from the hot layer")
	_, ok, err = c.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}
