package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertCheckpoint writes one horizon assessment. Write-once: the
// UNIQUE(change_id, horizon_days) constraint makes a retry a no-op, and
// the bool return says whether this call was the one that wrote.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error) {
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().UnixMilli()
	}
	if cp.DeltasJSON == "" {
		cp.DeltasJSON = "[]"
	}
	if cp.Source == "" {
		cp.Source = SourceModel
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO checkpoints
		(id, change_id, horizon_days, verdict, confidence, reasoning, deltas_json, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ChangeID, cp.HorizonDays, cp.Verdict, cp.Confidence,
		cp.Reasoning, cp.DeltasJSON, cp.Source, cp.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, change_id, horizon_days, verdict, confidence, reasoning, deltas_json, source, created_at
		FROM checkpoints WHERE id = ?`, id)
	var cp Checkpoint
	err := row.Scan(&cp.ID, &cp.ChangeID, &cp.HorizonDays, &cp.Verdict, &cp.Confidence,
		&cp.Reasoning, &cp.DeltasJSON, &cp.Source, &cp.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns a change's checkpoints ordered by horizon.
func (s *Store) ListCheckpoints(ctx context.Context, changeID string) ([]*Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, change_id, horizon_days, verdict, confidence, reasoning, deltas_json, source, created_at
		FROM checkpoints WHERE change_id = ? ORDER BY horizon_days`, changeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.ChangeID, &cp.HorizonDays, &cp.Verdict, &cp.Confidence,
			&cp.Reasoning, &cp.DeltasJSON, &cp.Source, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// PriorReasonings returns the reasonings written at horizons strictly
// below the given one, oldest horizon first.
func (s *Store) PriorReasonings(ctx context.Context, changeID string, beforeHorizon int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT reasoning FROM checkpoints
		WHERE change_id = ? AND horizon_days < ?
		ORDER BY horizon_days`, changeID, beforeHorizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueCheckpoint pairs a non-terminal change with one horizon that has
// elapsed but has no checkpoint yet.
type DueCheckpoint struct {
	Change      *Change
	HorizonDays int
}

// DueCheckpoints returns every (change, horizon) pair ready for
// assessment: the change is not terminal, the horizon has elapsed since
// first detection, and no checkpoint exists at that horizon. Ordered by
// detection time then horizon so older work drains first.
func (s *Store) DueCheckpoints(ctx context.Context, horizons []int, now time.Time) ([]DueCheckpoint, error) {
	if len(horizons) == 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+changeCols+` FROM changes
		WHERE status IN (?, ?, ?)
		ORDER BY first_detected_at`,
		StatusWatching, StatusValidated, StatusRegressed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	changes, err := collectChanges(rows)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	// Load existing (change, horizon) pairs in one pass.
	ids := make([]any, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	cpRows, err := s.DB.QueryContext(ctx,
		`SELECT change_id, horizon_days FROM checkpoints WHERE change_id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return nil, err
	}
	defer cpRows.Close()

	done := map[string]map[int]bool{}
	for cpRows.Next() {
		var id string
		var h int
		if err := cpRows.Scan(&id, &h); err != nil {
			return nil, err
		}
		if done[id] == nil {
			done[id] = map[int]bool{}
		}
		done[id][h] = true
	}
	if err := cpRows.Err(); err != nil {
		return nil, err
	}

	const dayMs = int64(24 * time.Hour / time.Millisecond)
	var due []DueCheckpoint
	for _, c := range changes {
		for _, h := range horizons {
			if done[c.ID][h] {
				continue
			}
			if c.FirstDetectedAt+int64(h)*dayMs <= nowMs {
				due = append(due, DueCheckpoint{Change: c, HorizonDays: h})
			}
		}
	}
	return due, nil
}
