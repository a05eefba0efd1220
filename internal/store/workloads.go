package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/stevedore/internal/ir"
)

// WorkloadStatus summarizes the outcome of the last apply.
type WorkloadStatus string

const (
	WorkloadApplying WorkloadStatus = "applying"
	WorkloadReady    WorkloadStatus = "ready"
	WorkloadFailed   WorkloadStatus = "failed"
)

// WorkloadRecord is the persisted desired state of one workload.
type WorkloadRecord struct {
	Seq          int64
	Desired      ir.DesiredState
	TemplateHash string
	Status       WorkloadStatus
	Message      string
	Revision     int64
}

// WorkloadEvent is one status transition in a workload's history.
type WorkloadEvent struct {
	Seq       int64
	Namespace string
	Name      string
	Status    WorkloadStatus
	Message   string
}

// SaveWorkload upserts the record for rec.Desired.Key() and appends an event.
func (s *Store) SaveWorkload(ctx context.Context, rec WorkloadRecord) error {
	desired, err := json.Marshal(rec.Desired)
	if err != nil {
		return fmt.Errorf("save workload %s: marshal: %w", rec.Desired.Key(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save workload %s: begin tx: %w", rec.Desired.Key(), err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO workload_events (namespace, name, status, message)
		VALUES (?, ?, ?, ?)
	`, rec.Desired.Namespace, rec.Desired.Name, string(rec.Status), rec.Message)
	if err != nil {
		return fmt.Errorf("save workload %s: event: %w", rec.Desired.Key(), err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("save workload %s: event id: %w", rec.Desired.Key(), err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workloads (namespace, name, desired, template_hash, status, message, revision, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, name) DO UPDATE SET
			desired = excluded.desired,
			template_hash = excluded.template_hash,
			status = excluded.status,
			message = excluded.message,
			revision = excluded.revision,
			seq = excluded.seq
	`,
		rec.Desired.Namespace,
		rec.Desired.Name,
		string(desired),
		rec.TemplateHash,
		string(rec.Status),
		rec.Message,
		rec.Revision,
		seq,
	)
	if err != nil {
		return fmt.Errorf("save workload %s: upsert: %w", rec.Desired.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save workload %s: commit: %w", rec.Desired.Key(), err)
	}
	return nil
}

// GetWorkload returns the record for namespace/name, or ErrNotFound.
func (s *Store) GetWorkload(ctx context.Context, namespace, name string) (WorkloadRecord, error) {
	rec, err := scanWorkload(s.db.QueryRowContext(ctx, `
		SELECT seq, desired, template_hash, status, message, revision
		FROM workloads WHERE namespace = ? AND name = ?
	`, namespace, name))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkloadRecord{}, fmt.Errorf("workload %s/%s: %w", namespace, name, ErrNotFound)
	}
	if err != nil {
		return WorkloadRecord{}, fmt.Errorf("get workload %s/%s: %w", namespace, name, err)
	}
	return rec, nil
}

// ListWorkloads returns all workloads ordered by namespace, name.
func (s *Store) ListWorkloads(ctx context.Context) ([]WorkloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, desired, template_hash, status, message, revision
		FROM workloads
		ORDER BY namespace ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query workloads: %w", err)
	}
	defer rows.Close()

	out := []WorkloadRecord{}
	for rows.Next() {
		rec, err := scanWorkload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workload: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workloads: %w", err)
	}
	return out, nil
}

// WorkloadEvents returns the status history of namespace/name by seq.
func (s *Store) WorkloadEvents(ctx context.Context, namespace, name string) ([]WorkloadEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, namespace, name, status, message
		FROM workload_events
		WHERE namespace = ? AND name = ?
		ORDER BY seq ASC
	`, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("query workload events: %w", err)
	}
	defer rows.Close()

	events := []WorkloadEvent{}
	for rows.Next() {
		var (
			ev     WorkloadEvent
			status string
		)
		if err := rows.Scan(&ev.Seq, &ev.Namespace, &ev.Name, &status, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan workload event: %w", err)
		}
		ev.Status = WorkloadStatus(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workload events: %w", err)
	}
	return events, nil
}

func scanWorkload(row rowScanner) (WorkloadRecord, error) {
	var (
		rec     WorkloadRecord
		desired string
		status  string
	)
	if err := row.Scan(&rec.Seq, &desired, &rec.TemplateHash, &status, &rec.Message, &rec.Revision); err != nil {
		return WorkloadRecord{}, err
	}
	if err := json.Unmarshal([]byte(desired), &rec.Desired); err != nil {
		return WorkloadRecord{}, fmt.Errorf("unmarshal desired state: %w", err)
	}
	rec.Status = WorkloadStatus(status)
	return rec, nil
}
