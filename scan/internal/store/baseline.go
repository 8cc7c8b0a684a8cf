package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertBaseline stores a new snapshot and makes it current, demoting the
// previous current baseline for the same page and viewport in the same
// transaction. The partial unique index guarantees at most one current
// baseline per (page, viewport) even under concurrent writers.
func (s *Store) InsertBaseline(ctx context.Context, b *Baseline) error {
	if b.CapturedAt == 0 {
		b.CapturedAt = time.Now().UnixMilli()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE baselines SET is_current = 0
		WHERE page_id = ? AND viewport_width = ? AND is_current = 1`,
		b.PageID, b.ViewportWidth); err != nil {
		return fmt.Errorf("demote baseline: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO baselines (id, page_id, viewport_width, png, text, is_current, captured_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		b.ID, b.PageID, b.ViewportWidth, b.PNG, b.Text, b.CapturedAt); err != nil {
		return fmt.Errorf("insert baseline: %w", err)
	}
	b.IsCurrent = true

	return tx.Commit()
}

// CurrentBaseline returns the current baseline for a page and viewport,
// or nil if the page has never been captured at that width.
func (s *Store) CurrentBaseline(ctx context.Context, pageID string, viewportWidth int) (*Baseline, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, page_id, viewport_width, png, text, is_current, captured_at
		FROM baselines
		WHERE page_id = ? AND viewport_width = ? AND is_current = 1`,
		pageID, viewportWidth)

	var b Baseline
	var current int
	err := row.Scan(&b.ID, &b.PageID, &b.ViewportWidth, &b.PNG, &b.Text, &current, &b.CapturedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan baseline: %w", err)
	}
	b.IsCurrent = current != 0
	return &b, nil
}

// BaselineTextAt returns the text snapshot of the baseline that was the
// newest capture at or before the given time, or "" if none existed yet.
// Used to reconstruct what a page said before a change.
func (s *Store) BaselineTextAt(ctx context.Context, pageID string, viewportWidth int, atMs int64) (string, error) {
	var text string
	err := s.DB.QueryRowContext(ctx,
		`SELECT text FROM baselines
		WHERE page_id = ? AND viewport_width = ? AND captured_at <= ?
		ORDER BY captured_at DESC LIMIT 1`,
		pageID, viewportWidth, atMs).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}

// PruneBaselines deletes non-current baselines older than the retention
// window. Screenshot blobs dominate database size.
func (s *Store) PruneBaselines(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM baselines WHERE is_current = 0 AND captured_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
