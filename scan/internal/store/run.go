package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateRun registers a scan attempt. The UNIQUE(page_id, kind, day)
// constraint makes scan creation idempotent: a duplicate trigger on the
// same UTC day returns created=false and does no work. Retried deliveries
// of the same deploy webhook collapse onto one run.
func (s *Store) CreateRun(ctx context.Context, r *ScanRun) (bool, error) {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO scan_runs (id, page_id, kind, day, status, error, changes_found, created_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)`,
		r.ID, r.PageID, r.Kind, r.Day, r.Status, r.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StartRun moves a pending run to running. Guarded: returns false when the
// run was already started by another worker.
func (s *Store) StartRun(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		RunRunning, time.Now().UnixMilli(), id, RunPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteRun marks a running scan finished.
func (s *Store) CompleteRun(ctx context.Context, id string, changesFound int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, changes_found = ?, finished_at = ? WHERE id = ?`,
		RunCompleted, changesFound, time.Now().UnixMilli(), id)
	return err
}

// FailRun marks a running scan failed with its error message.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE scan_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		RunFailed, errMsg, time.Now().UnixMilli(), id)
	return err
}

// GetRunByKey retrieves the run for a (page, kind, day) triple, or nil.
func (s *Store) GetRunByKey(ctx context.Context, pageID, kind, day string) (*ScanRun, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, page_id, kind, day, status, error, changes_found,
		COALESCE(started_at, 0), COALESCE(finished_at, 0), created_at
		FROM scan_runs WHERE page_id = ? AND kind = ? AND day = ?`, pageID, kind, day)
	var r ScanRun
	err := row.Scan(&r.ID, &r.PageID, &r.Kind, &r.Day, &r.Status, &r.Error,
		&r.ChangesFound, &r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// GetRun retrieves a scan run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*ScanRun, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, page_id, kind, day, status, error, changes_found,
		COALESCE(started_at, 0), COALESCE(finished_at, 0), created_at
		FROM scan_runs WHERE id = ?`, id)
	var r ScanRun
	err := row.Scan(&r.ID, &r.PageID, &r.Kind, &r.Day, &r.Status, &r.Error,
		&r.ChangesFound, &r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// ListRuns returns a page's scan runs, newest first.
func (s *Store) ListRuns(ctx context.Context, pageID string, limit int) ([]*ScanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, page_id, kind, day, status, error, changes_found,
		COALESCE(started_at, 0), COALESCE(finished_at, 0), created_at
		FROM scan_runs WHERE page_id = ? ORDER BY created_at DESC LIMIT ?`,
		pageID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScanRun
	for rows.Next() {
		var r ScanRun
		if err := rows.Scan(&r.ID, &r.PageID, &r.Kind, &r.Day, &r.Status, &r.Error,
			&r.ChangesFound, &r.StartedAt, &r.FinishedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// CountRunsOnDay counts an account's runs of one kind on one UTC day.
// Used to enforce tier deploy-scan quotas.
func (s *Store) CountRunsOnDay(ctx context.Context, accountID, kind, day string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_runs r
		JOIN pages p ON p.id = r.page_id
		WHERE p.account_id = ? AND r.kind = ? AND r.day = ?`,
		accountID, kind, day).Scan(&n)
	return n, err
}
