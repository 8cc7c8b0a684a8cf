package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const changeCols = `id, page_id, scope, summary, description, before_text, after_text,
	magnitude, status, superseded_by, match_confidence, match_rationale,
	first_detected_at, last_seen_at, created_at, updated_at`

// InsertChange records a newly detected change in the watching state.
func (s *Store) InsertChange(ctx context.Context, c *Change) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}
	if c.FirstDetectedAt == 0 {
		c.FirstDetectedAt = now
	}
	if c.LastSeenAt == 0 {
		c.LastSeenAt = c.FirstDetectedAt
	}
	if c.Status == "" {
		c.Status = StatusWatching
	}
	if c.Magnitude == "" {
		c.Magnitude = MagnitudeIncremental
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO changes (id, page_id, scope, summary, description, before_text, after_text,
		magnitude, status, superseded_by, match_confidence, match_rationale,
		first_detected_at, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PageID, c.Scope, c.Summary, c.Description, c.BeforeText, c.AfterText,
		c.Magnitude, c.Status, c.SupersededBy, c.MatchConfidence, c.MatchRationale,
		c.FirstDetectedAt, c.LastSeenAt, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetChange retrieves a change by ID.
func (s *Store) GetChange(ctx context.Context, id string) (*Change, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+changeCols+` FROM changes WHERE id = ?`, id)
	return scanChange(row)
}

// ListChanges returns a page's changes, newest first, optionally filtered
// by status.
func (s *Store) ListChanges(ctx context.Context, pageID string, statuses ...string) ([]*Change, error) {
	query := `SELECT ` + changeCols + ` FROM changes WHERE page_id = ?`
	args := []any{pageID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY first_detected_at DESC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChanges(rows)
}

// OpenChanges returns a page's changes still in the watching state, oldest
// first. This is the candidate set handed to the visual differ.
func (s *Store) OpenChanges(ctx context.Context, pageID string) ([]*Change, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+changeCols+` FROM changes
		WHERE page_id = ? AND status = ?
		ORDER BY first_detected_at ASC`, pageID, StatusWatching)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChanges(rows)
}

// ApplyMatch updates an open change in place when a scan observes it
// again: after text and description follow the latest observation (empty
// values keep the stored ones), and the accepted match claim's confidence
// and rationale are recorded. Guarded on the watching status so a replayed
// scan cannot touch a record that has since moved on. Returns whether the
// update applied.
func (s *Store) ApplyMatch(ctx context.Context, id, afterText, description string,
	confidence float64, rationale string, seenAt int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE changes SET
			after_text       = CASE WHEN ? = '' THEN after_text ELSE ? END,
			description      = CASE WHEN ? = '' THEN description ELSE ? END,
			match_confidence = ?,
			match_rationale  = ?,
			last_seen_at     = ?,
			updated_at       = ?
		WHERE id = ? AND status = ?`,
		afterText, afterText, description, description,
		confidence, rationale, seenAt, time.Now().UnixMilli(),
		id, StatusWatching)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionStatus moves a change to a new status only if its current
// status is one of from. Returns whether the update applied; a false
// return on retry means the work already happened and should not repeat.
func (s *Store) TransitionStatus(ctx context.Context, id, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("store: transition to %s needs at least one source status", to)
	}
	query := `UPDATE changes SET status = ?, updated_at = ? WHERE id = ? AND status IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(from)), ",") + `)`
	args := []any{to, time.Now().UnixMilli(), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Supersede merges open changes into an aggregate: the aggregate is
// inserted with first_detected_at set to the oldest among itself and the
// merged changes, and each merged change is marked superseded pointing at
// it. Changes already in a terminal state are left untouched. Atomic.
func (s *Store) Supersede(ctx context.Context, aggregate *Change, oldIDs []string) error {
	now := time.Now().UnixMilli()
	if aggregate.FirstDetectedAt == 0 {
		aggregate.FirstDetectedAt = now
	}
	if aggregate.CreatedAt == 0 {
		aggregate.CreatedAt = now
	}
	if aggregate.UpdatedAt == 0 {
		aggregate.UpdatedAt = now
	}
	if aggregate.LastSeenAt == 0 {
		aggregate.LastSeenAt = now
	}
	aggregate.Status = StatusWatching
	aggregate.Magnitude = MagnitudeOverhaul

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The aggregate's horizon clock starts at the oldest merged detection,
	// so long-running work is not reset to day zero by a merge.
	if len(oldIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(oldIDs)), ",")
		args := make([]any, 0, len(oldIDs))
		for _, id := range oldIDs {
			args = append(args, id)
		}
		var oldest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(first_detected_at) FROM changes WHERE id IN (`+placeholders+`) AND status = ?`,
			append(args, StatusWatching)...).Scan(&oldest); err != nil {
			return fmt.Errorf("oldest detection: %w", err)
		}
		if oldest.Valid && oldest.Int64 < aggregate.FirstDetectedAt {
			aggregate.FirstDetectedAt = oldest.Int64
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changes (id, page_id, scope, summary, description, before_text, after_text,
		magnitude, status, superseded_by, first_detected_at, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
		aggregate.ID, aggregate.PageID, aggregate.Scope, aggregate.Summary, aggregate.Description,
		aggregate.BeforeText, aggregate.AfterText, aggregate.Magnitude,
		aggregate.Status, aggregate.FirstDetectedAt, aggregate.LastSeenAt,
		aggregate.CreatedAt, aggregate.UpdatedAt); err != nil {
		return fmt.Errorf("insert aggregate: %w", err)
	}

	for _, id := range oldIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE changes SET status = ?, superseded_by = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusSuperseded, aggregate.ID, now, id, StatusWatching); err != nil {
			return fmt.Errorf("supersede %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func scanChange(row *sql.Row) (*Change, error) {
	var c Change
	err := row.Scan(&c.ID, &c.PageID, &c.Scope, &c.Summary, &c.Description,
		&c.BeforeText, &c.AfterText, &c.Magnitude, &c.Status, &c.SupersededBy,
		&c.MatchConfidence, &c.MatchRationale,
		&c.FirstDetectedAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan change: %w", err)
	}
	return &c, nil
}

func collectChanges(rows *sql.Rows) ([]*Change, error) {
	var changes []*Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.PageID, &c.Scope, &c.Summary, &c.Description,
			&c.BeforeText, &c.AfterText, &c.Magnitude, &c.Status, &c.SupersededBy,
			&c.MatchConfidence, &c.MatchRationale,
			&c.FirstDetectedAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}
