package observability

import (
	"context"
	"testing"

	"github.com/hazyhaar/regard/dbopen"
	_ "modernc.org/sqlite"
)

func TestLogEvent_WritesRow(t *testing.T) {
	// WHAT: LogEvent persists the event with a generated ID.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	l := NewEventLogger(db)

	l.LogEvent(context.Background(), BusinessEvent{
		EventType:  EventChangeDetected,
		EntityType: "change",
		EntityID:   "chg_1",
		AccountID:  "acct_1",
		Success:    true,
	})

	var count int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM business_event_logs WHERE event_type = ?`,
		EventChangeDetected).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("events = %d, want 1", count)
	}
}

func TestLogEvent_NeverPanicsOnBrokenStore(t *testing.T) {
	// WHAT: Logging against a database missing the schema is swallowed.
	// WHY: Observability must never take the pipeline down.
	db := dbopen.OpenMemory(t)
	l := NewEventLogger(db)
	l.LogEvent(context.Background(), BusinessEvent{EventType: EventScanFailed})
}

func TestCleanup_RemovesOldEvents(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	// One recent, one 100 days old.
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, created_at) VALUES ('e1', 'scan_completed', strftime('%s','now'))`)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, created_at) VALUES ('e2', 'scan_completed', strftime('%s','now') - 8640000)`)

	if err := Cleanup(context.Background(), db, 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var count int
	db.QueryRow(`SELECT COUNT(*) FROM business_event_logs`).Scan(&count)
	if count != 1 {
		t.Fatalf("events after cleanup = %d, want 1", count)
	}
}
