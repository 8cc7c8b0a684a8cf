package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/regard/observability"
	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/vision"
)

// reconcile folds validated differ proposals into tracked changes and
// returns the changes created by this scan.
//
// Two regimes, picked by a deterministic count, never by model judgment:
//
//   - incremental (combined open+new below the overhaul threshold): each
//     matched proposal updates its change in place; each unmatched
//     proposal becomes a new change.
//   - overhaul (at or above the threshold): per-change tracking has lost
//     meaning, so open changes are merged into at most MaxAggregates
//     page-scope aggregates that inherit the oldest detection time.
func (s *Service) reconcile(ctx context.Context, page *Page, open []*store.Change, proposals []vision.Proposal) ([]*Change, error) {
	if len(proposals) == 0 {
		return nil, nil
	}

	now := s.now().UnixMilli()

	matched, unmatched := splitProposals(dedupeProposals(proposals))
	for changeID, p := range matched {
		applied, err := s.store.ApplyMatch(ctx, changeID, p.After, p.Description,
			p.Confidence, p.Rationale, now)
		if err != nil {
			return nil, fmt.Errorf("apply match %s: %w", changeID, err)
		}
		if !applied {
			// The change left the watching state between candidate selection
			// and now; the observation is stale, not new.
			s.logger.Info("scan: match target no longer watching", "change_id", changeID)
		}
	}

	combined := len(open) + len(unmatched)
	if combined >= s.cfg.OverhaulThreshold {
		return s.reconcileOverhaul(ctx, page, open, unmatched)
	}
	return s.reconcileIncremental(ctx, page, unmatched)
}

// dedupeProposals collapses the same observation reported at both
// viewports. Keyed on scope plus normalised summary; the higher-confidence
// duplicate wins.
func dedupeProposals(proposals []vision.Proposal) []vision.Proposal {
	seen := map[string]int{}
	var out []vision.Proposal
	for _, p := range proposals {
		key := string(p.Scope) + "|" + strings.ToLower(strings.TrimSpace(p.Summary))
		if i, ok := seen[key]; ok {
			if p.Confidence > out[i].Confidence {
				out[i] = p
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, p)
	}
	return out
}

// splitProposals separates proposals continuing a known change from those
// describing something new. Multiple proposals may match the same change
// (one per viewport); the map collapses them.
func splitProposals(proposals []vision.Proposal) (map[string]vision.Proposal, []vision.Proposal) {
	matched := map[string]vision.Proposal{}
	var unmatched []vision.Proposal
	for _, p := range proposals {
		if p.MatchedChangeID != "" {
			matched[p.MatchedChangeID] = p
			continue
		}
		unmatched = append(unmatched, p)
	}
	return matched, unmatched
}

func (s *Service) reconcileIncremental(ctx context.Context, page *Page, proposals []vision.Proposal) ([]*Change, error) {
	now := s.now().UnixMilli()
	var created []*Change
	for _, p := range proposals {
		c := &store.Change{
			ID:              s.newID("chg_"),
			PageID:          page.ID,
			Scope:           string(p.Scope),
			Summary:         p.Summary,
			Description:     p.Description,
			BeforeText:      p.Before,
			AfterText:       p.After,
			Magnitude:       store.MagnitudeIncremental,
			FirstDetectedAt: now,
			LastSeenAt:      now,
		}
		if err := s.store.InsertChange(ctx, c); err != nil {
			return created, fmt.Errorf("insert change: %w", err)
		}
		created = append(created, c)
		s.announceChange(ctx, page, c)
	}
	return created, nil
}

// reconcileOverhaul merges everything open into page-scope aggregates. If
// the differ produced page-scope proposals, up to MaxAggregates of them
// name the aggregates; otherwise one synthetic aggregate stands in. A
// failed merge degrades to per-change tracking rather than dropping the
// scan's findings.
func (s *Service) reconcileOverhaul(ctx context.Context, page *Page, open []*store.Change, proposals []vision.Proposal) ([]*Change, error) {
	aggregates := pickAggregates(proposals, s.cfg.MaxAggregates, len(open)+len(proposals))

	openIDs := make([]string, 0, len(open))
	for _, c := range open {
		openIDs = append(openIDs, c.ID)
	}

	now := s.now().UnixMilli()
	var created []*Change
	for i, p := range aggregates {
		agg := &store.Change{
			ID:              s.newID("chg_"),
			PageID:          page.ID,
			Scope:           string(vision.ScopePage),
			Summary:         p.Summary,
			Description:     p.Description,
			BeforeText:      p.Before,
			AfterText:       p.After,
			Magnitude:       store.MagnitudeOverhaul,
			FirstDetectedAt: now,
			LastSeenAt:      now,
		}
		// Only the first aggregate absorbs the open changes; a second one
		// tracks a distinct page-scope shift on its own clock.
		merge := openIDs
		if i > 0 {
			merge = nil
		}
		if err := s.store.Supersede(ctx, agg, merge); err != nil {
			s.logger.Error("scan: overhaul merge failed, keeping per-change tracking",
				"page_id", page.ID, "error", err)
			return s.reconcileIncremental(ctx, page, proposals)
		}
		created = append(created, agg)
		s.announceChange(ctx, page, agg)
		s.logEvent(ctx, observability.BusinessEvent{
			EventType:  observability.EventChangeSuperseded,
			EntityType: "change",
			EntityID:   agg.ID,
			AccountID:  page.AccountID,
			Details:    fmt.Sprintf(`{"merged":%d}`, len(merge)),
			Success:    true,
		})
	}
	return created, nil
}

// pickAggregates chooses the page-scope proposals that will name the
// aggregates, most confident first, capped at max. With no page-scope
// proposal available, a synthetic one summarises the overhaul.
func pickAggregates(proposals []vision.Proposal, max, total int) []vision.Proposal {
	var pageScoped []vision.Proposal
	for _, p := range proposals {
		if p.Scope == vision.ScopePage {
			pageScoped = append(pageScoped, p)
		}
	}
	for i := 1; i < len(pageScoped); i++ {
		for j := i; j > 0 && pageScoped[j].Confidence > pageScoped[j-1].Confidence; j-- {
			pageScoped[j], pageScoped[j-1] = pageScoped[j-1], pageScoped[j]
		}
	}
	if len(pageScoped) > max {
		pageScoped = pageScoped[:max]
	}
	if len(pageScoped) == 0 {
		pageScoped = []vision.Proposal{{
			Scope:   vision.ScopePage,
			Summary: fmt.Sprintf("Page overhaul (%d concurrent changes)", total),
			Description: "Multiple simultaneous changes were detected across the page; " +
				"they are tracked together as one page-scope change.",
		}}
	}
	return pageScoped
}

func (s *Service) announceChange(ctx context.Context, page *Page, c *store.Change) {
	s.logEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventChangeDetected,
		EntityType: "change",
		EntityID:   c.ID,
		AccountID:  page.AccountID,
		Success:    true,
	})
	subject := fmt.Sprintf("Change detected on %s", page.URL)
	body := strings.TrimSpace(fmt.Sprintf("%s\n\n%s", c.Summary, c.Description))
	s.notifyAccount(ctx, page.AccountID, subject, body)
}
