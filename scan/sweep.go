package scan

import (
	"context"
	"fmt"

	"github.com/hazyhaar/regard/tier"
)

// RunSweep scans every enabled page that is due today under its account's
// tier and its own cadence. The per-day run uniqueness makes the sweep
// idempotent: waking hourly, only the first pass of the day does work.
func (s *Service) RunSweep(ctx context.Context) error {
	pages, err := s.store.ListEnabledPages(ctx)
	if err != nil {
		return fmt.Errorf("scan: list pages: %w", err)
	}

	tiers := map[string]tier.Tier{}
	day := s.now().UTC().Weekday()

	var scanned, skipped, failed int
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}

		accTier, ok := tiers[page.AccountID]
		if !ok {
			acc, err := s.store.GetAccount(ctx, page.AccountID)
			if err != nil {
				return err
			}
			if acc == nil {
				continue
			}
			accTier = tier.Parse(acc.Tier)
			tiers[page.AccountID] = accTier
		}

		if !s.policy.RunsToday(accTier, tier.Frequency(page.Cadence), day) {
			skipped++
			continue
		}

		run := &ScanRun{
			ID:     s.newID("run_"),
			PageID: page.ID,
			Kind:   KindSweep,
			Day:    s.day(),
		}
		created, err := s.store.CreateRun(ctx, run)
		if err != nil {
			s.logger.Error("scan: sweep run create failed", "page_id", page.ID, "error", err)
			failed++
			continue
		}
		if !created {
			skipped++
			continue
		}
		if err := s.scanPage(ctx, page, run); err != nil {
			// Recorded on the run row; the sweep moves on.
			failed++
			continue
		}
		scanned++
	}

	if scanned > 0 || failed > 0 {
		s.logger.Info("scan: sweep done", "scanned", scanned, "skipped", skipped, "failed", failed)
	}
	return nil
}
