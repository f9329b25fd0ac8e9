package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun persists a pipeline run document.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, user_id, query, status, run_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, run_json = excluded.run_json`,
		r.ID, r.UserID, r.Query, r.Status, r.RunJSON, createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns a retained run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var r RunRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, query, status, run_json, created_at FROM pipeline_runs WHERE id = ?", id,
	).Scan(&r.ID, &r.UserID, &r.Query, &r.Status, &r.RunJSON, &createdAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return RunRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// PurgeRunsBefore evicts runs created before the cutoff. Returns the
// number of runs removed.
func (s *Store) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pipeline_runs WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
