package dbopen

import (
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestDSN_EncodesPragmas(t *testing.T) {
	// WHAT: The DSN carries every connection pragma as a _pragma parameter.
	// WHY: DSN pragmas apply to each pooled connection; a PRAGMA statement
	// only reaches the connection that ran it.
	got := dsn("data/regard.db")
	if !strings.HasPrefix(got, "file:data/regard.db?") {
		t.Fatalf("dsn prefix = %q", got)
	}
	for _, p := range connPragmas {
		if !strings.Contains(got, "_pragma="+url.QueryEscape(p)) {
			t.Fatalf("dsn %q missing pragma %q", got, p)
		}
	}
	if mem := dsn(":memory:"); !strings.HasPrefix(mem, "file::memory:?") {
		t.Fatalf("memory dsn = %q", mem)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	// WHAT: Open sets foreign_keys and busy_timeout on the connection.
	// WHY: Conditional updates and cascades rely on these being on.
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("pragma busy_timeout: %v", err)
	}
	if timeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", timeout)
	}
}

func TestOpen_WithSchema(t *testing.T) {
	// WHAT: WithSchema executes DDL before Open returns.
	db := OpenMemory(t, WithSchema(`CREATE TABLE things (id TEXT PRIMARY KEY)`))
	if _, err := db.Exec(`INSERT INTO things (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestOpen_WithMkdirAll(t *testing.T) {
	// WHAT: WithMkdirAll creates missing parent directories.
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	db.Close()
}
