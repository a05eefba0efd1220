package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/roach88/stevedore/internal/ir"
)

func TestPutCacheEntry_FirstWriterWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.CacheKey("k1")

	first, inserted, err := s.PutCacheEntry(ctx, key, "deps", []byte("archive-a"))
	if err != nil {
		t.Fatalf("first PutCacheEntry: %v", err)
	}
	if !inserted {
		t.Fatal("first writer should insert")
	}

	second, inserted, err := s.PutCacheEntry(ctx, key, "deps", []byte("archive-b"))
	if err != nil {
		t.Fatalf("second PutCacheEntry: %v", err)
	}
	if inserted {
		t.Error("second writer must not overwrite")
	}
	if second.ArtifactDigest != first.ArtifactDigest {
		t.Errorf("loser got digest %s, want winner %s", second.ArtifactDigest, first.ArtifactDigest)
	}

	// The loser's redundant archive is not kept.
	if _, err := s.GetBlob(ctx, ir.ContentDigest([]byte("archive-b"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("loser blob should be discarded, got err=%v", err)
	}
}

func TestPutCacheEntry_ConcurrentWritersConverge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.CacheKey("racy")

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		digests = map[string]int{}
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, inserted, err := s.PutCacheEntry(ctx, key, "build", []byte{byte(i)})
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			digests[entry.ArtifactDigest]++
			if inserted {
				winners++
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
	if len(digests) != 1 {
		t.Errorf("writers observed %d different artifacts, want 1", len(digests))
	}
}

func TestGetCacheEntry_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetCacheEntry(context.Background(), ir.CacheKey("absent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRecordCacheHit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := ir.CacheKey("hit-me")

	if _, _, err := s.PutCacheEntry(ctx, key, "deps", []byte("a")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordCacheHit(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := s.GetCacheEntry(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Hits != 3 {
		t.Errorf("hits = %d, want 3", entry.Hits)
	}
}

func TestPruneCacheEntries_KeepsNewest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if _, _, err := s.PutCacheEntry(ctx, ir.CacheKey(k), "stage-"+k, []byte("data-"+k)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PruneCacheEntries(ctx, 1)
	if err != nil {
		t.Fatalf("PruneCacheEntries: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	entries, err := s.ListCacheEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Key != "c" {
		t.Errorf("remaining entries = %+v, want only c", entries)
	}
	if _, err := s.GetBlob(ctx, ir.ContentDigest([]byte("data-a"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan blob should be removed, got err=%v", err)
	}

	if _, err := s.PruneCacheEntries(ctx, -1); err == nil {
		t.Error("negative keep should fail")
	}
}

func TestPruneCacheEntries_KeepsImageConfigBlobs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	img := createTestImage("backstage", "v1", "one")
	if _, _, err := s.PublishImage(ctx, img); err != nil {
		t.Fatalf("PublishImage: %v", err)
	}
	if _, _, err := s.PutCacheEntry(ctx, ir.CacheKey("a"), "stage-a", []byte("data-a")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.PruneCacheEntries(ctx, 0); err != nil {
		t.Fatalf("PruneCacheEntries: %v", err)
	}
	for _, f := range img.ConfigFiles {
		if _, err := s.GetBlob(ctx, ir.ContentDigest(f.Data)); err != nil {
			t.Errorf("config blob %s removed by prune: %v", f.Name, err)
		}
	}
}
