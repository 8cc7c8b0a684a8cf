package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/regard/assess"
	"github.com/hazyhaar/regard/capture"
	"github.com/hazyhaar/regard/metrics"
	"github.com/hazyhaar/regard/observability"
	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/workflow"
)

// Verdicts below this confidence leave the change status untouched.
const statusConfidenceFloor = 0.6

// RunCheckpoints processes every due (change, horizon) pair. Each pair is
// independent: one failure is logged and the rest proceed. Safe to call
// concurrently with itself because checkpoint writes are write-once.
func (s *Service) RunCheckpoints(ctx context.Context) error {
	due, err := s.store.DueCheckpoints(ctx, s.cfg.Horizons, s.now())
	if err != nil {
		return fmt.Errorf("scan: due checkpoints: %w", err)
	}
	for _, d := range due {
		if err := s.processCheckpoint(ctx, d); err != nil {
			s.logger.Error("scan: checkpoint failed",
				"change_id", d.Change.ID, "horizon_days", d.HorizonDays, "error", err)
		}
	}
	return nil
}

// processCheckpoint gathers evidence for one horizon, assesses it, and
// writes the checkpoint. The model gets a bounded retry budget; after that
// the deterministic fallback rule writes the checkpoint instead, marked
// with its source, so a horizon is never skipped because a model was down.
func (s *Service) processCheckpoint(ctx context.Context, d store.DueCheckpoint) error {
	page, err := s.GetPage(ctx, d.Change.PageID)
	if err != nil {
		return err
	}

	firstDetected := time.UnixMilli(d.Change.FirstDetectedAt)
	window := metrics.WindowAround(firstDetected, d.HorizonDays, s.now())

	var deltas []metrics.Delta
	if s.metrics != nil {
		deltas = s.metrics.Collect(ctx, page.URL, window)
	}

	beforeText, err := s.store.BaselineTextAt(ctx, page.ID, capture.ViewportDesktop, d.Change.FirstDetectedAt)
	if err != nil {
		return fmt.Errorf("before text: %w", err)
	}
	var afterText string
	if cur, err := s.store.CurrentBaseline(ctx, page.ID, capture.ViewportDesktop); err != nil {
		return fmt.Errorf("after text: %w", err)
	} else if cur != nil {
		afterText = cur.Text
	}

	prior, err := s.store.PriorReasonings(ctx, d.Change.ID, d.HorizonDays)
	if err != nil {
		return fmt.Errorf("prior reasonings: %w", err)
	}
	feedback, err := s.store.AccountFeedbackNotes(ctx, page.AccountID, 10)
	if err != nil {
		return fmt.Errorf("feedback notes: %w", err)
	}

	in := assess.Input{
		PageURL:         page.URL,
		ChangeSummary:   d.Change.Summary,
		ChangeBefore:    d.Change.BeforeText,
		ChangeAfter:     d.Change.AfterText,
		Hypothesis:      page.Hypothesis,
		HorizonDays:     d.HorizonDays,
		BeforeText:      beforeText,
		AfterText:       afterText,
		Deltas:          deltas,
		PriorReasonings: prior,
		Feedback:        feedback,
	}

	var result *assess.Result
	source := store.SourceModel
	err = workflow.Retry(ctx, s.cfg.AssessRetries, s.cfg.AssessRetryBase, func(ctx context.Context) error {
		r, aerr := s.assessor.Assess(ctx, in)
		if aerr != nil {
			return aerr
		}
		result = r
		return nil
	})
	if err != nil {
		s.logger.Warn("scan: assessment fell back to rule",
			"change_id", d.Change.ID, "horizon_days", d.HorizonDays, "error", err)
		result = assess.Fallback(deltas)
		source = store.SourceFallback
	}

	deltasJSON, err := json.Marshal(deltas)
	if err != nil {
		return fmt.Errorf("marshal deltas: %w", err)
	}

	cp := &store.Checkpoint{
		ID:          s.newID("ckp_"),
		ChangeID:    d.Change.ID,
		HorizonDays: d.HorizonDays,
		Verdict:     string(result.Verdict),
		Confidence:  result.Confidence,
		Reasoning:   result.Reasoning,
		DeltasJSON:  string(deltasJSON),
		Source:      source,
	}
	wrote, err := s.store.InsertCheckpoint(ctx, cp)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if !wrote {
		// Another worker already wrote this horizon.
		return nil
	}

	s.logEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventCheckpointWritten,
		EntityType: "checkpoint",
		EntityID:   cp.ID,
		AccountID:  page.AccountID,
		Details:    fmt.Sprintf(`{"horizon_days":%d,"verdict":%q}`, cp.HorizonDays, cp.Verdict),
		Success:    true,
	})
	s.notifyAccount(ctx, page.AccountID,
		fmt.Sprintf("%d-day outcome for change on %s: %s", d.HorizonDays, page.URL, cp.Verdict),
		cp.Reasoning)

	return s.applyVerdict(ctx, d.Change, result)
}

// applyVerdict moves the change status when the verdict is confident
// enough. Transitions are guarded by the current status so a terminal
// change never moves, and validated/regressed can flip at later horizons
// as more evidence arrives.
func (s *Service) applyVerdict(ctx context.Context, c *store.Change, r *assess.Result) error {
	if r.Confidence < statusConfidenceFloor {
		return nil
	}
	switch r.Verdict {
	case assess.VerdictImproved:
		_, err := s.store.TransitionStatus(ctx, c.ID, StatusValidated, StatusWatching, StatusRegressed)
		return err
	case assess.VerdictRegressed:
		_, err := s.store.TransitionStatus(ctx, c.ID, StatusRegressed, StatusWatching, StatusValidated)
		return err
	}
	return nil
}
