package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/stevedore/internal/ir"
)

// TagBinding is one name:tag -> digest row.
type TagBinding struct {
	Seq    int64
	Ref    ir.ImageRef
	Digest string
}

// configEntry is one element of the images.config JSON array.
type configEntry struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

// PublishImage stores the image content (idempotent by digest) and binds
// its tag in one transaction.
//
// First writer wins on (name, tag): if the tag is already bound, nothing is
// written and the existing binding is returned with bound=false. Callers
// decide whether an existing binding to a different digest is a conflict.
func (s *Store) PublishImage(ctx context.Context, img ir.Image) (binding TagBinding, bound bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: begin tx: %w", err)
	}
	defer tx.Rollback()

	skeletonDigest, err := putBlob(ctx, tx, img.Skeleton)
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: skeleton: %w", err)
	}
	payloadDigest, err := putBlob(ctx, tx, img.Payload)
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: payload: %w", err)
	}
	config := make([]configEntry, len(img.ConfigFiles))
	for i, f := range img.ConfigFiles {
		d, err := putBlob(ctx, tx, f.Data)
		if err != nil {
			return TagBinding{}, false, fmt.Errorf("publish image: config %s: %w", f.Name, err)
		}
		config[i] = configEntry{Name: f.Name, Digest: d}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: marshal config: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO images (digest, runtime, skeleton_digest, payload_digest, config)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`, img.Digest, img.Runtime, skeletonDigest, payloadDigest, string(configJSON))
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: insert image: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO tags (name, tag, digest)
		VALUES (?, ?, ?)
		ON CONFLICT(name, tag) DO NOTHING
	`, img.Ref.Name, img.Ref.Tag, img.Digest)
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: bind tag: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: rows affected: %w", err)
	}
	bound = rowsAffected > 0

	binding, err = scanTag(tx.QueryRowContext(ctx, `
		SELECT seq, name, tag, digest FROM tags WHERE name = ? AND tag = ?
	`, img.Ref.Name, img.Ref.Tag))
	if err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: select binding: %w", err)
	}

	if !bound && binding.Digest != img.Digest {
		// Nothing may be left behind by a rejected publish.
		return binding, false, nil
	}

	if err := tx.Commit(); err != nil {
		return TagBinding{}, false, fmt.Errorf("publish image: commit: %w", err)
	}
	return binding, bound, nil
}

// LookupTag returns the binding for ref, or ErrNotFound.
func (s *Store) LookupTag(ctx context.Context, ref ir.ImageRef) (TagBinding, error) {
	b, err := scanTag(s.db.QueryRowContext(ctx, `
		SELECT seq, name, tag, digest FROM tags WHERE name = ? AND tag = ?
	`, ref.Name, ref.Tag))
	if errors.Is(err, sql.ErrNoRows) {
		return TagBinding{}, fmt.Errorf("tag %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return TagBinding{}, fmt.Errorf("lookup tag %s: %w", ref, err)
	}
	return b, nil
}

// ListTags returns tag bindings ordered by seq. An empty name lists all.
func (s *Store) ListTags(ctx context.Context, name string) ([]TagBinding, error) {
	query := `SELECT seq, name, tag, digest FROM tags ORDER BY seq ASC`
	args := []any{}
	if name != "" {
		query = `SELECT seq, name, tag, digest FROM tags WHERE name = ? ORDER BY seq ASC`
		args = append(args, name)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	tags := []TagBinding{}
	for rows.Next() {
		b, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// ReadImage loads the full image bound to ref, including archives and
// config files. Returns ErrNotFound if the tag is unbound.
func (s *Store) ReadImage(ctx context.Context, ref ir.ImageRef) (ir.Image, error) {
	binding, err := s.LookupTag(ctx, ref)
	if err != nil {
		return ir.Image{}, err
	}

	var (
		img        = ir.Image{Ref: ref, Digest: binding.Digest, Seq: binding.Seq}
		configJSON string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT runtime, skeleton_digest, payload_digest, config FROM images WHERE digest = ?
	`, binding.Digest).Scan(&img.Runtime, &img.SkeletonDigest, &img.PayloadDigest, &configJSON)
	if err != nil {
		return ir.Image{}, fmt.Errorf("read image %s: %w", ref, err)
	}

	if img.Skeleton, err = s.GetBlob(ctx, img.SkeletonDigest); err != nil {
		return ir.Image{}, fmt.Errorf("read image %s: %w", ref, err)
	}
	if img.Payload, err = s.GetBlob(ctx, img.PayloadDigest); err != nil {
		return ir.Image{}, fmt.Errorf("read image %s: %w", ref, err)
	}

	var config []configEntry
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return ir.Image{}, fmt.Errorf("read image %s: config: %w", ref, err)
	}
	img.ConfigFiles = make([]ir.ConfigFile, len(config))
	for i, e := range config {
		data, err := s.GetBlob(ctx, e.Digest)
		if err != nil {
			return ir.Image{}, fmt.Errorf("read image %s: config %s: %w", ref, e.Name, err)
		}
		img.ConfigFiles[i] = ir.ConfigFile{Name: e.Name, Data: data}
	}
	return img, nil
}

func scanTag(row rowScanner) (TagBinding, error) {
	var b TagBinding
	if err := row.Scan(&b.Seq, &b.Ref.Name, &b.Ref.Tag, &b.Digest); err != nil {
		return TagBinding{}, err
	}
	return b, nil
}
