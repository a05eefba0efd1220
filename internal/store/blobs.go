package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stevedore/internal/ir"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutBlob stores data under its content digest and returns the digest.
// Storing the same bytes twice is a no-op.
func (s *Store) PutBlob(ctx context.Context, data []byte) (string, error) {
	return putBlob(ctx, s.db, data)
}

func putBlob(ctx context.Context, ex execer, data []byte) (string, error) {
	digest := ir.ContentDigest(data)
	if data == nil {
		data = []byte{}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO blobs (digest, size, data)
		VALUES (?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, digest, len(data), data)
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return digest, nil
}

// GetBlob returns the bytes stored under digest.
// Returns ErrNotFound if no blob has that digest.
func (s *Store) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE digest = ?`, digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", digest, err)
	}
	return data, nil
}

// deleteOrphanBlobs removes blobs no cache entry or image references.
func deleteOrphanBlobs(ctx context.Context, ex execer) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE digest NOT IN (SELECT artifact_digest FROM cache_entries)
		  AND digest NOT IN (SELECT skeleton_digest FROM images)
		  AND digest NOT IN (SELECT payload_digest FROM images)
		  AND digest NOT IN (SELECT json_extract(value, '$.digest') FROM images, json_each(images.config))
	`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan blobs: %w", err)
	}
	return res.RowsAffected()
}
