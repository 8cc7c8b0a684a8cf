package watch

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/regard/dbopen"
	_ "modernc.org/sqlite"
)

const pagesDDL = `
CREATE TABLE pages (
    id         TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
`

func TestOnChange_FiresOnNewRow(t *testing.T) {
	// WHAT: Inserting a row with a newer created_at triggers the action.
	// WHY: Newly tracked pages must get their first baseline promptly.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(pagesDDL))

	fired := make(chan struct{}, 1)
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Detector: MaxColumnDetector("pages", "created_at"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.OnChange(ctx, func() error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})

	// Let the watcher seed its initial version before writing.
	time.Sleep(50 * time.Millisecond)
	if _, err := db.Exec(`INSERT INTO pages (id, created_at) VALUES ('pg_1', ?)`,
		time.Now().UnixMilli()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("action never fired after insert")
	}
}

func TestOnChange_FailedActionRetries(t *testing.T) {
	// WHAT: If the action errors, the version does not advance and the
	// action runs again on the next cycle.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(pagesDDL))

	calls := make(chan int, 16)
	n := 0
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Detector: MaxColumnDetector("pages", "created_at"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.OnChange(ctx, func() error {
		n++
		calls <- n
		if n == 1 {
			return context.DeadlineExceeded // any error
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if _, err := db.Exec(`INSERT INTO pages (id, created_at) VALUES ('pg_1', 1000)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// First call fails, second succeeds.
	for want := 1; want <= 2; want++ {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("call %d arrived, want %d", got, want)
			}
		case <-ctx.Done():
			t.Fatalf("action call %d never happened", want)
		}
	}
}
