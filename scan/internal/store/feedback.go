package store

import (
	"context"
	"fmt"
	"time"
)

// InsertFeedback records an operator's reaction to a checkpoint verdict.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO checkpoint_feedback (id, checkpoint_id, agree, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.CheckpointID, f.Agree, f.Note, f.CreatedAt,
	)
	return err
}

// ListFeedback returns a checkpoint's feedback entries, oldest first.
func (s *Store) ListFeedback(ctx context.Context, checkpointID string) ([]*Feedback, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, checkpoint_id, agree, note, created_at
		FROM checkpoint_feedback WHERE checkpoint_id = ? ORDER BY created_at`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fbs []*Feedback
	for rows.Next() {
		var f Feedback
		var agree int
		if err := rows.Scan(&f.ID, &f.CheckpointID, &agree, &f.Note, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		f.Agree = agree != 0
		fbs = append(fbs, &f)
	}
	return fbs, rows.Err()
}

// AccountFeedbackNotes returns recent disagreement notes across an
// account's checkpoints. The assessor reads these for calibration only.
func (s *Store) AccountFeedbackNotes(ctx context.Context, accountID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT fb.note FROM checkpoint_feedback fb
		JOIN checkpoints cp ON cp.id = fb.checkpoint_id
		JOIN changes c ON c.id = cp.change_id
		JOIN pages p ON p.id = c.page_id
		WHERE p.account_id = ? AND fb.note != ''
		ORDER BY fb.created_at DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
