package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stevedore/internal/ir"
)

// CacheEntry maps a cache key to the archived artifact it produced.
type CacheEntry struct {
	Seq            int64
	Key            ir.CacheKey
	Stage          string
	ArtifactDigest string
	Hits           int64
}

// PutCacheEntry stores an artifact archive under key.
//
// First writer wins: if another writer already populated key, nothing is
// written and the existing entry is returned with inserted=false. Callers
// that lose the race must adopt the returned entry and discard their own
// archive.
func (s *Store) PutCacheEntry(ctx context.Context, key ir.CacheKey, stage string, archive []byte) (entry CacheEntry, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	digest, err := putBlob(ctx, tx, archive)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, stage, artifact_digest)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO NOTHING
	`, string(key), stage, digest)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: rows affected: %w", err)
	}
	inserted = rowsAffected > 0

	entry, err = scanCacheEntry(tx.QueryRowContext(ctx, `
		SELECT seq, cache_key, stage, artifact_digest, hits
		FROM cache_entries WHERE cache_key = ?
	`, string(key)))
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: select winner: %w", err)
	}

	if !inserted {
		// Loser: drop the redundant blob unless something else shares it.
		if _, err := deleteOrphanBlobs(ctx, tx); err != nil {
			return CacheEntry{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CacheEntry{}, false, fmt.Errorf("put cache entry: commit: %w", err)
	}
	return entry, inserted, nil
}

// GetCacheEntry returns the entry for key, or ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, key ir.CacheKey) (CacheEntry, error) {
	entry, err := scanCacheEntry(s.db.QueryRowContext(ctx, `
		SELECT seq, cache_key, stage, artifact_digest, hits
		FROM cache_entries WHERE cache_key = ?
	`, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, fmt.Errorf("cache entry %s: %w", key.Short(), ErrNotFound)
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, nil
}

// RecordCacheHit increments the hit counter of key.
func (s *Store) RecordCacheHit(ctx context.Context, key ir.CacheKey) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET hits = hits + 1 WHERE cache_key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// ListCacheEntries returns all entries ordered by seq.
func (s *Store) ListCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, cache_key, stage, artifact_digest, hits
		FROM cache_entries
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	entries := []CacheEntry{}
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return entries, nil
}

// PruneCacheEntries keeps the newest keep entries, deletes the rest and
// any blob left unreferenced. Returns the number of entries removed.
func (s *Store) PruneCacheEntries(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune cache: keep must be non-negative, got %d", keep)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune cache: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE seq NOT IN (SELECT seq FROM cache_entries ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache: rows affected: %w", err)
	}
	if _, err := deleteOrphanBlobs(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune cache: commit: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (CacheEntry, error) {
	var (
		e   CacheEntry
		key string
	)
	if err := row.Scan(&e.Seq, &key, &e.Stage, &e.ArtifactDigest, &e.Hits); err != nil {
		return CacheEntry{}, err
	}
	e.Key = ir.CacheKey(key)
	return e, nil
}
