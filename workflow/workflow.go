// Package workflow provides a durable, SQLite-memoized step runtime for the
// scan pipelines. Steps execute at-least-once: a step that completed before a
// crash or retry is not re-executed, its stored output is replayed instead.
// Sleeps memoize their wake deadline so a replayed run never waits twice.
//
// Typical usage:
//
//	r := workflow.NewRunner(db, runID, logger)
//	out, err := r.Run(ctx, "capture-desktop", func(ctx context.Context) ([]byte, error) { ... })
//	err = r.Sleep(ctx, "settle", 90*time.Second)
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Schema holds the step memo tables. Applied by the owning service.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_steps (
    run_id       TEXT NOT NULL,
    step         TEXT NOT NULL,
    output       BLOB NOT NULL DEFAULT X'',
    completed_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS workflow_sleeps (
    run_id  TEXT NOT NULL,
    step    TEXT NOT NULL,
    wake_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, step)
);
`

// ApplySchema creates the workflow tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Runner executes named steps for one workflow run. Safe to recreate after a
// crash with the same runID: completed steps replay from the memo table.
type Runner struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner bound to one run ID.
func NewRunner(db *sql.DB, runID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, runID: runID, logger: logger, now: time.Now}
}

// Run executes fn exactly once per (run, step) under normal operation.
// If the step already completed, the memoized output is returned and fn is
// not called. A concurrent duplicate insert loses the race silently and the
// first writer's output wins, keeping replays deterministic.
func (r *Runner) Run(ctx context.Context, step string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if out, ok, err := r.lookup(ctx, step); err != nil {
		return nil, err
	} else if ok {
		r.logger.Debug("workflow: step replayed", "run_id", r.runID, "step", step)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow: step %s: %w", step, err)
	}
	if out == nil {
		out = []byte{}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_steps (run_id, step, output, completed_at)
		VALUES (?, ?, ?, ?)`,
		r.runID, step, out, r.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("workflow: memo %s: %w", step, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a duplicate-execution race; the stored output is authoritative.
		stored, ok, lerr := r.lookup(ctx, step)
		if lerr != nil {
			return nil, lerr
		}
		if ok {
			return stored, nil
		}
	}
	return out, nil
}

// RunJSON runs a step whose output is JSON-encoded, decoding the memoized
// value on replay.
func RunJSON[T any](ctx context.Context, r *Runner, step string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := r.Run(ctx, step, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var v T
	if len(out) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(out, &v); err != nil {
		return zero, fmt.Errorf("workflow: decode step %s: %w", step, err)
	}
	return v, nil
}

// Sleep blocks until the memoized wake deadline for this step has passed.
// The first call records now+d; replays wait only the remaining time, so a
// run resumed after a crash does not double-sleep.
func (r *Runner) Sleep(ctx context.Context, step string, d time.Duration) error {
	wake := r.now().Add(d).UnixMilli()
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_sleeps (run_id, step, wake_at) VALUES (?, ?, ?)`,
		r.runID, step, wake); err != nil {
		return fmt.Errorf("workflow: sleep memo %s: %w", step, err)
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT wake_at FROM workflow_sleeps WHERE run_id = ? AND step = ?`,
		r.runID, step).Scan(&wake); err != nil {
		return fmt.Errorf("workflow: sleep lookup %s: %w", step, err)
	}

	remaining := time.UnixMilli(wake).Sub(r.now())
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) lookup(ctx context.Context, step string) ([]byte, bool, error) {
	var out []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT output FROM workflow_steps WHERE run_id = ? AND step = ?`,
		r.runID, step).Scan(&out)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("workflow: lookup %s: %w", step, err)
	}
	return out, true, nil
}

// Retry calls fn up to attempts times with exponential backoff starting at
// base (base, 2*base, 4*base, ...). It returns nil on the first success and
// the last error otherwise. Context cancellation aborts the wait.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
