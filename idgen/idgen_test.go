package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_UniqueAndParsable(t *testing.T) {
	// WHAT: UUIDv7 generates unique, parsable IDs.
	// WHY: Every entity in the service keys on these.
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
		if _, err := Parse(id); err != nil {
			t.Fatalf("unparsable ID %s: %v", id, err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	// WHAT: Prefixed prepends the prefix and keeps the inner ID intact.
	gen := Prefixed("chg_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "chg_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "chg_")); err != nil {
		t.Fatalf("inner ID invalid: %v", err)
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
