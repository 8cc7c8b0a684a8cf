// Package assess turns the evidence gathered at a checkpoint horizon into
// an outcome verdict for a page change. Verdicts are correlational by
// construction: a model response that claims causation is rejected as
// malformed, and confidence is capped by how much metric evidence actually
// existed.
package assess

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hazyhaar/regard/metrics"
)

// Verdict is the outcome call at one horizon.
type Verdict string

const (
	VerdictImproved     Verdict = "improved"
	VerdictRegressed    Verdict = "regressed"
	VerdictNeutral      Verdict = "neutral"
	VerdictInconclusive Verdict = "inconclusive"
)

// Valid reports whether v is a recognised verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictImproved, VerdictRegressed, VerdictNeutral, VerdictInconclusive:
		return true
	}
	return false
}

// ErrMalformedResponse means the model output could not be used: bad JSON,
// unknown verdict, out-of-range confidence, or causal phrasing. Callers
// retry and then fall back to the deterministic rule.
var ErrMalformedResponse = errors.New("assess: malformed model response")

// Result is one assessment.
type Result struct {
	Verdict    Verdict `json:"assessment"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Input is the evidence available at one checkpoint.
type Input struct {
	PageURL       string
	ChangeSummary string
	// ChangeBefore and ChangeAfter describe the changed element itself,
	// as recorded on the change.
	ChangeBefore string
	ChangeAfter  string
	// Hypothesis is the operator's stated intent for the change, if any.
	Hypothesis  string
	HorizonDays int

	// BeforeText and AfterText are markdown snapshots of the page content.
	BeforeText string
	AfterText  string

	// Deltas are the metric movements over the horizon window.
	Deltas []metrics.Delta

	// PriorReasonings are the reasonings written at earlier horizons for
	// the same change, oldest first.
	PriorReasonings []string

	// Feedback is operator feedback on past assessments of this account.
	// It calibrates tone and thresholds only; it never overrides evidence.
	Feedback []string
}

// Assessor produces a verdict from checkpoint evidence.
type Assessor interface {
	Assess(ctx context.Context, in Input) (*Result, error)
}

// Confidence ceilings based on evidence breadth. A verdict with no metric
// data is little more than a guess; a single source can be an artifact of
// that source.
const (
	maxConfidenceNoMetrics    = 0.2
	maxConfidenceSingleSource = 0.79
)

// capConfidence applies the evidence-breadth ceilings to r in place.
func capConfidence(r *Result, deltas []metrics.Delta) {
	ceiling := 1.0
	switch countSources(deltas) {
	case 0:
		ceiling = maxConfidenceNoMetrics
	case 1:
		ceiling = maxConfidenceSingleSource
	}
	if r.Confidence > ceiling {
		r.Confidence = ceiling
	}
}

func countSources(deltas []metrics.Delta) int {
	seen := map[string]struct{}{}
	for _, d := range deltas {
		seen[d.Source] = struct{}{}
	}
	return len(seen)
}

// causalPhrases are rejected in model reasoning. Assessments describe what
// moved alongside the change, never what the change caused.
var causalPhrases = []string{
	"caused",
	"causes",
	"causing",
	"because of the change",
	"due to the change",
	"resulted in",
	"results in",
	"led to",
	"leads to",
	"proves",
	"proven",
	"thanks to the change",
}

// containsCausalLanguage scans reasoning text for causal claims.
func containsCausalLanguage(reasoning string) (string, bool) {
	lower := strings.ToLower(reasoning)
	for _, p := range causalPhrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// Fallback is the deterministic rule used when the model is unavailable or
// keeps producing malformed output: the verdict follows the sign of the
// largest metric movement. Thresholded at 2% either way.
func Fallback(deltas []metrics.Delta) *Result {
	if len(deltas) == 0 {
		return &Result{
			Verdict:    VerdictInconclusive,
			Confidence: 0.1,
			Reasoning:  "No metric data was available for this horizon; no outcome can be read from the page alone.",
		}
	}

	lead := deltas[0]
	for _, d := range deltas[1:] {
		if math.Abs(d.ChangePercent) > math.Abs(lead.ChangePercent) {
			lead = d
		}
	}

	verdict := VerdictNeutral
	switch {
	case lead.ChangePercent > 2:
		verdict = VerdictImproved
	case lead.ChangePercent < -2:
		verdict = VerdictRegressed
	}

	r := &Result{
		Verdict:    verdict,
		Confidence: 0.4,
		Reasoning: fmt.Sprintf(
			"Rule-based reading: %s (%s) moved %+.2f%% over the window (%.0f to %.0f). Other factors were not weighed.",
			lead.Name, lead.Source, lead.ChangePercent, lead.Before, lead.After),
	}
	capConfidence(r, deltas)
	return r
}
