package observability

import "database/sql"

// Schema holds the business event log table. Kept in its own database so a
// busy event stream never contends with pipeline writes.
const Schema = `
CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    entity_id   TEXT NOT NULL DEFAULT '',
    account_id  TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT '',
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON business_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_entity ON business_event_logs(entity_type, entity_id);
`

// ApplySchema creates the observability tables on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
