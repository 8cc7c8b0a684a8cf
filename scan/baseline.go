package scan

import (
	"time"

	"github.com/hazyhaar/regard/scan/internal/store"
)

// BaselineState classifies a page's baseline before a scan.
type BaselineState int

const (
	// StateMissing: the page has never been captured at this viewport.
	// Capture and store; there is nothing to diff against.
	StateMissing BaselineState = iota
	// StateUsable: the baseline is recent enough to diff against.
	StateUsable
	// StateStale: the baseline exceeds the max age. Diffing against it
	// would blame weeks of unrelated drift on the current trigger, so it
	// is re-established instead.
	StateStale
)

func (s BaselineState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUsable:
		return "usable"
	case StateStale:
		return "stale"
	}
	return "unknown"
}

// EvaluateBaseline applies the staleness policy to one baseline.
func EvaluateBaseline(b *store.Baseline, maxAge time.Duration, now time.Time) BaselineState {
	if b == nil {
		return StateMissing
	}
	if now.Sub(time.UnixMilli(b.CapturedAt)) > maxAge {
		return StateStale
	}
	return StateUsable
}
