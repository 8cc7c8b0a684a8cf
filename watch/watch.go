// Package watch provides a "poll SQLite, detect change, debounce, act" loop.
// regard uses it to notice newly tracked pages and trigger their first
// baseline capture promptly instead of waiting for the next scheduled sweep.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{
//	    Interval: 5 * time.Second,
//	    Debounce: 2 * time.Second,
//	    Detector: watch.MaxColumnDetector("pages", "created_at"),
//	})
//	go w.OnChange(ctx, func() error { return svc.EstablishPending(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean "something changed". int64 maps naturally to
// PRAGMA data_version or a MAX(created_at) query.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// action fires. More changes inside the window reset the timer.
	// 0 means fire immediately. Default: 0.
	Debounce time.Duration
	// Detector overrides the default PragmaDataVersion detector.
	Detector ChangeDetector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a SQLite database for changes and runs an action when a
// change is detected. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	// version is the last observed version token.
	version atomic.Int64

	checks  atomic.Int64
	fires   atomic.Int64
	errored atomic.Int64
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version returns the last observed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval.
// When the detector reports a version change and the debounce window passes
// without further changes, action is called.
//
// If action returns an error the version is NOT advanced, so the action
// is retried on the next poll cycle.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	// Seed initial version.
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pendingVersion := int64(-1)

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errored.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur != w.version.Load() && cur != pendingVersion {
				pendingVersion = cur

				if w.opts.Debounce <= 0 {
					w.fire(log, action, pendingVersion)
					pendingVersion = -1
				} else {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					log.Debug("watch: change detected, debouncing", "pending_version", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pendingVersion >= 0 {
				w.fire(log, action, pendingVersion)
				pendingVersion = -1
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	if err := action(); err != nil {
		w.errored.Add(1)
		log.Error("watch: action failed", "error", err, "version", ver)
		return
	}
	w.fires.Add(1)
	w.version.Store(ver)
	log.Debug("watch: action complete", "version", ver)
}

// ---------- Built-in detectors ----------

// PragmaDataVersion uses PRAGMA data_version, which increments whenever
// another connection writes to the same database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector returns a ChangeDetector that polls MAX(column) on a
// table. Suited to tables carrying a created_at/updated_at millisecond
// timestamp. Table and column names are quoted to prevent SQL injection.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

// quoteIdent wraps a SQL identifier in double quotes, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
