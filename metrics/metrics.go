// Package metrics gathers before/after metric deltas around a detected page
// change from external sources: analytics HTTP APIs and connected
// application databases. Zero or more providers may be connected per
// account; the checkpoint engine treats an empty result as "no data".
package metrics

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Delta is one metric's movement across a window.
type Delta struct {
	Name          string  `json:"name"`
	Source        string  `json:"source"`
	Before        float64 `json:"before"`
	After         float64 `json:"after"`
	ChangePercent float64 `json:"change_percent"`
}

// Window brackets a change: [Start, Mid) is the before period,
// [Mid, End) the after period. Both halves have equal length.
type Window struct {
	Start time.Time
	Mid   time.Time
	End   time.Time
}

// WindowAround builds a symmetric window of horizon days on each side of
// the change's first detection time, capped at now on the right.
func WindowAround(firstDetected time.Time, horizonDays int, now time.Time) Window {
	span := time.Duration(horizonDays) * 24 * time.Hour
	end := firstDetected.Add(span)
	if end.After(now) {
		end = now
	}
	return Window{
		Start: firstDetected.Add(-span),
		Mid:   firstDetected,
		End:   end,
	}
}

// Provider supplies metric deltas for a page over a window.
type Provider interface {
	// Name identifies the source in checkpoint records.
	Name() string
	// Deltas returns zero or more metric movements. A provider with no data
	// for the page returns an empty slice, not an error.
	Deltas(ctx context.Context, pageURL string, w Window) ([]Delta, error)
}

// Registry fans a collection request out to every connected provider with
// per-provider error isolation: a failing source is logged and skipped so
// one broken connection never hides the others' data.
type Registry struct {
	providers []Provider
	logger    *slog.Logger
}

// NewRegistry creates a Registry over the given providers.
func NewRegistry(logger *slog.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{providers: providers, logger: logger}
}

// Sources returns the names of all connected providers.
func (r *Registry) Sources() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// Collect gathers deltas from every provider.
func (r *Registry) Collect(ctx context.Context, pageURL string, w Window) []Delta {
	var all []Delta
	for _, p := range r.providers {
		deltas, err := p.Deltas(ctx, pageURL, w)
		if err != nil {
			r.logger.Warn("metrics: provider failed", "source", p.Name(), "error", err)
			continue
		}
		all = append(all, deltas...)
	}
	return all
}

// ChangePercent computes the relative movement from before to after.
// A zero baseline with activity after reports +100%; no activity at all
// reports 0.
func ChangePercent(before, after float64) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 100
	}
	pct := (after - before) / math.Abs(before) * 100
	return math.Round(pct*100) / 100
}
