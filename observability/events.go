// Package observability records domain-level business events (scans
// completed, changes detected, checkpoints written) to a dedicated SQLite
// database. Event logging is best-effort: a failing observability store
// never blocks or fails the pipeline.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/regard/idgen"
)

// Event types emitted by the scan pipeline.
const (
	EventScanCompleted     = "scan_completed"
	EventScanFailed        = "scan_failed"
	EventChangeDetected    = "change_detected"
	EventChangeSuperseded  = "change_superseded"
	EventCheckpointWritten = "checkpoint_written"
	EventNotificationSent  = "notification_sent"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	AccountID  string
	Details    string // optional JSON
	Success    bool
}

// EventLogger writes business events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Errors are logged via slog but do not
// propagate.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, entity_type, entity_id,
			account_id, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.EntityType, event.EntityID,
		event.AccountID, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", event.EventType)
	}
}

// Cleanup deletes events older than retentionDays. Zero disables cleanup.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - int64(retentionDays)*86400
	if _, err := db.ExecContext(ctx,
		`DELETE FROM business_event_logs WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("observability: cleanup: %w", err)
	}
	return nil
}
