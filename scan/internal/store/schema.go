package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the service database schema. Applied idempotently at startup.
//
// Timestamps are unix milliseconds. Uniqueness constraints carry the
// correctness guarantees the engine depends on:
//   - one current baseline per page and viewport,
//   - at most one checkpoint per change and horizon,
//   - at most one scan run per page, trigger kind and UTC day.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    email      TEXT NOT NULL DEFAULT '',
    tier       TEXT NOT NULL DEFAULT 'free',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    url        TEXT NOT NULL,
    path       TEXT NOT NULL DEFAULT '',
    cadence    TEXT NOT NULL DEFAULT 'daily',
    enabled    INTEGER NOT NULL DEFAULT 1,
    hypothesis TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(account_id, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_account ON pages(account_id);

CREATE TABLE IF NOT EXISTS baselines (
    id             TEXT PRIMARY KEY,
    page_id        TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    viewport_width INTEGER NOT NULL,
    png            BLOB NOT NULL,
    text           TEXT NOT NULL DEFAULT '',
    is_current     INTEGER NOT NULL DEFAULT 1,
    captured_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_baselines_current
    ON baselines(page_id, viewport_width) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS changes (
    id                TEXT PRIMARY KEY,
    page_id           TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    scope             TEXT NOT NULL,
    summary           TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    before_text       TEXT NOT NULL DEFAULT '',
    after_text        TEXT NOT NULL DEFAULT '',
    magnitude         TEXT NOT NULL DEFAULT 'incremental',
    status            TEXT NOT NULL DEFAULT 'watching',
    superseded_by     TEXT NOT NULL DEFAULT '',
    match_confidence  REAL NOT NULL DEFAULT 0,
    match_rationale   TEXT NOT NULL DEFAULT '',
    first_detected_at INTEGER NOT NULL,
    last_seen_at      INTEGER NOT NULL,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_page_status ON changes(page_id, status);

CREATE TABLE IF NOT EXISTS checkpoints (
    id           TEXT PRIMARY KEY,
    change_id    TEXT NOT NULL REFERENCES changes(id) ON DELETE CASCADE,
    horizon_days INTEGER NOT NULL,
    verdict      TEXT NOT NULL,
    confidence   REAL NOT NULL,
    reasoning    TEXT NOT NULL DEFAULT '',
    deltas_json  TEXT NOT NULL DEFAULT '[]',
    source       TEXT NOT NULL DEFAULT 'model',
    created_at   INTEGER NOT NULL,
    UNIQUE(change_id, horizon_days)
);

CREATE TABLE IF NOT EXISTS scan_runs (
    id            TEXT PRIMARY KEY,
    page_id       TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    kind          TEXT NOT NULL,
    day           TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    error         TEXT NOT NULL DEFAULT '',
    changes_found INTEGER NOT NULL DEFAULT 0,
    started_at    INTEGER,
    finished_at   INTEGER,
    created_at    INTEGER NOT NULL,
    UNIQUE(page_id, kind, day)
);

CREATE INDEX IF NOT EXISTS idx_scan_runs_day ON scan_runs(day, kind);

CREATE TABLE IF NOT EXISTS checkpoint_feedback (
    id            TEXT PRIMARY KEY,
    checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
    agree         INTEGER NOT NULL,
    note          TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL
);
`

// migrations add columns to existing deployments. Each entry is applied
// only when pragma_table_info shows the column missing.
var migrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"accounts", "email", `ALTER TABLE accounts ADD COLUMN email TEXT NOT NULL DEFAULT ''`},
	{"pages", "hypothesis", `ALTER TABLE pages ADD COLUMN hypothesis TEXT NOT NULL DEFAULT ''`},
	{"pages", "path", `ALTER TABLE pages ADD COLUMN path TEXT NOT NULL DEFAULT ''`},
	{"changes", "before_text", `ALTER TABLE changes ADD COLUMN before_text TEXT NOT NULL DEFAULT ''`},
	{"changes", "after_text", `ALTER TABLE changes ADD COLUMN after_text TEXT NOT NULL DEFAULT ''`},
	{"changes", "magnitude", `ALTER TABLE changes ADD COLUMN magnitude TEXT NOT NULL DEFAULT 'incremental'`},
	{"changes", "match_confidence", `ALTER TABLE changes ADD COLUMN match_confidence REAL NOT NULL DEFAULT 0`},
	{"changes", "match_rationale", `ALTER TABLE changes ADD COLUMN match_rationale TEXT NOT NULL DEFAULT ''`},
	{"checkpoints", "source", `ALTER TABLE checkpoints ADD COLUMN source TEXT NOT NULL DEFAULT 'model'`},
}

// ApplySchema creates tables and runs column migrations.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	for _, m := range migrations {
		ok, err := hasColumn(ctx, db, m.table, m.column)
		if err != nil {
			return fmt.Errorf("store: check %s.%s: %w", m.table, m.column, err)
		}
		if ok {
			continue
		}
		if _, err := db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("store: add %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	return n > 0, err
}
