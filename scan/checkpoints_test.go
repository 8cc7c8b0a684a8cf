package scan

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/regard/assess"
	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/vision"
)

// seedChange tracks a page and plants one watching change through a scan.
func seedChange(t *testing.T, f *fixture) (*Page, *Change) {
	t.Helper()
	page := f.trackPage(t, "growth")
	ctx := context.Background()

	f.differ.proposals = []vision.Proposal{
		{Scope: vision.ScopeElement, Summary: "CTA text changed", Confidence: 0.9},
	}
	if _, err := f.svc.ScanNow(ctx, page.ID); err != nil {
		t.Fatalf("seed scan: %v", err)
	}
	open, err := f.svc.store.OpenChanges(ctx, page.ID)
	if err != nil || len(open) != 1 {
		t.Fatalf("open = %v, %v", open, err)
	}
	return page, open[0]
}

func TestRunCheckpoints_WritesElapsedHorizonsOnly(t *testing.T) {
	// WHAT: At day 8 only the 7-day horizon is written; later horizons
	// wait their turn.
	f := newFixture(t, Config{})
	_, change := seedChange(t, f)
	ctx := context.Background()

	f.assessor.result = &assess.Result{
		Verdict: assess.VerdictImproved, Confidence: 0.75,
		Reasoning: "signups rose 15% alongside the new copy",
	}

	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	cps, err := f.svc.ListCheckpoints(ctx, change.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 1 || cps[0].HorizonDays != 7 {
		t.Fatalf("checkpoints = %+v, want one at 7d", cps)
	}
	if cps[0].Verdict != string(assess.VerdictImproved) {
		t.Fatalf("verdict = %q", cps[0].Verdict)
	}
	if cps[0].Source != store.SourceModel {
		t.Fatalf("source = %q", cps[0].Source)
	}
}

func TestRunCheckpoints_WriteOnceOnRerun(t *testing.T) {
	// WHAT: Re-running checkpoint processing never rewrites a horizon,
	// even if the assessor would now say something different.
	f := newFixture(t, Config{})
	_, change := seedChange(t, f)
	ctx := context.Background()

	f.assessor.result = &assess.Result{Verdict: assess.VerdictNeutral, Confidence: 0.3, Reasoning: "flat"}
	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	f.assessor.result = &assess.Result{Verdict: assess.VerdictRegressed, Confidence: 0.9, Reasoning: "dropped"}
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	cps, _ := f.svc.ListCheckpoints(ctx, change.ID)
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	if cps[0].Verdict != string(assess.VerdictNeutral) {
		t.Fatalf("verdict was rewritten to %q", cps[0].Verdict)
	}
}

func TestRunCheckpoints_StatusFollowsConfidentVerdicts(t *testing.T) {
	// WHAT: A confident improved verdict validates the change; a later
	// confident regressed verdict flips it; a reverted change never moves.
	f := newFixture(t, Config{})
	_, change := seedChange(t, f)
	ctx := context.Background()

	f.assessor.result = &assess.Result{
		Verdict: assess.VerdictImproved, Confidence: 0.8, Reasoning: "up",
	}
	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("7d run: %v", err)
	}
	got, _ := f.svc.store.GetChange(ctx, change.ID)
	if got.Status != StatusValidated {
		t.Fatalf("status = %q, want validated", got.Status)
	}

	// 14d horizon: the gain did not hold.
	f.assessor.result = &assess.Result{
		Verdict: assess.VerdictRegressed, Confidence: 0.85, Reasoning: "down since",
	}
	f.clock.advance(7 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("14d run: %v", err)
	}
	got, _ = f.svc.store.GetChange(ctx, change.ID)
	if got.Status != StatusRegressed {
		t.Fatalf("status = %q, want regressed", got.Status)
	}

	// Operator reverts; the 30d checkpoint may still be written but the
	// status is terminal.
	if err := f.svc.RevertChange(ctx, change.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	f.assessor.result = &assess.Result{
		Verdict: assess.VerdictImproved, Confidence: 0.9, Reasoning: "up again",
	}
	f.clock.advance(16 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("30d run: %v", err)
	}
	got, _ = f.svc.store.GetChange(ctx, change.ID)
	if got.Status != StatusReverted {
		t.Fatalf("terminal status moved to %q", got.Status)
	}
}

func TestRunCheckpoints_LowConfidenceLeavesStatus(t *testing.T) {
	// WHAT: Verdicts under the confidence floor write the checkpoint but
	// leave the change watching.
	f := newFixture(t, Config{})
	_, change := seedChange(t, f)
	ctx := context.Background()

	f.assessor.result = &assess.Result{
		Verdict: assess.VerdictImproved, Confidence: 0.4, Reasoning: "weak signal",
	}
	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	cps, _ := f.svc.ListCheckpoints(ctx, change.ID)
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d", len(cps))
	}
	got, _ := f.svc.store.GetChange(ctx, change.ID)
	if got.Status != StatusWatching {
		t.Fatalf("status = %q, want watching", got.Status)
	}
}

func TestRunCheckpoints_FallbackAfterRetries(t *testing.T) {
	// WHAT: When the assessor keeps failing, the horizon is still written
	// by the deterministic rule, marked with its source.
	f := newFixture(t, Config{AssessRetries: 2})
	_, change := seedChange(t, f)
	ctx := context.Background()

	f.assessor.err = context.DeadlineExceeded
	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if f.assessor.calls != 2 {
		t.Fatalf("assessor calls = %d, want the retry budget of 2", f.assessor.calls)
	}
	cps, _ := f.svc.ListCheckpoints(ctx, change.ID)
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	if cps[0].Source != store.SourceFallback {
		t.Fatalf("source = %q, want fallback", cps[0].Source)
	}
	// No metric providers are connected, so the rule is inconclusive.
	if cps[0].Verdict != string(assess.VerdictInconclusive) {
		t.Fatalf("verdict = %q, want inconclusive", cps[0].Verdict)
	}
}

func TestSubmitFeedback_RoundTrip(t *testing.T) {
	// WHAT: Feedback lands on the checkpoint and surfaces in the account's
	// calibration notes.
	f := newFixture(t, Config{})
	page, change := seedChange(t, f)
	ctx := context.Background()

	f.clock.advance(8 * 24 * time.Hour)
	if err := f.svc.RunCheckpoints(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	cps, _ := f.svc.ListCheckpoints(ctx, change.ID)
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d", len(cps))
	}

	fb, err := f.svc.SubmitFeedback(ctx, cps[0].ID, false, "seasonality, not the page")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if fb.Agree {
		t.Fatal("agree flag lost")
	}

	notes, err := f.svc.store.AccountFeedbackNotes(ctx, page.AccountID, 5)
	if err != nil {
		t.Fatalf("notes: %v", err)
	}
	if len(notes) != 1 || notes[0] != "seasonality, not the page" {
		t.Fatalf("notes = %v", notes)
	}
}
