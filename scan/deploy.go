package scan

import (
	"context"
	"time"

	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/tier"
	"github.com/hazyhaar/regard/workflow"
)

// Deploy is one deploy webhook payload.
type Deploy struct {
	AccountID string `json:"account_id"`
	// ChangedPaths lists URL paths this deploy touched. Empty means the
	// deploy system does not report paths; every enabled page is scanned.
	ChangedPaths []string `json:"changed_paths"`
	// SHA or other deploy identifier, recorded in logs only.
	SHA string `json:"sha,omitempty"`
}

// DeployResult summarises what a deploy trigger did.
type DeployResult struct {
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
}

// deployItem pairs a page with the run claimed for it.
type deployItem struct {
	page *store.Page
	run  *ScanRun
}

// HandleDeploy reacts to a deploy notification: after the settle delay,
// enabled pages whose path the deploy touched are scanned, oldest first,
// capped at the account's page quota for the day. Retried webhook
// deliveries collapse onto the same per-day runs.
func (s *Service) HandleDeploy(ctx context.Context, d Deploy) (*DeployResult, error) {
	acc, err := s.GetAccount(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}
	t := tier.Parse(acc.Tier)
	if !s.policy.CanUseDeployScans(t) {
		return nil, ErrDeployScansNotAllowed
	}

	pages, err := s.store.PagesMatchingPaths(ctx, acc.ID, d.ChangedPaths)
	if err != nil {
		return nil, err
	}

	// The page quota bounds deploy scans per day. Runs already claimed
	// today (earlier deploys, retried deliveries) spend the same budget.
	already, err := s.store.CountRunsOnDay(ctx, acc.ID, KindDeploy, s.day())
	if err != nil {
		return nil, err
	}
	quota := s.policy.PageLimit(t) - already
	if quota < 0 {
		quota = 0
	}

	log := s.logger.With("account_id", acc.ID, "sha", d.SHA)
	log.Info("scan: deploy received",
		"changed_paths", len(d.ChangedPaths), "pages", len(pages),
		"deploy_runs_today", already, "quota", quota)

	result := &DeployResult{}
	if len(pages) > quota {
		// Oldest-first: PagesMatchingPaths orders by creation time.
		result.Skipped += len(pages) - quota
		pages = pages[:quota]
	}

	var batch []deployItem
	for _, page := range pages {
		run := &ScanRun{
			ID:     s.newID("run_"),
			PageID: page.ID,
			Kind:   KindDeploy,
			Day:    s.day(),
		}
		created, err := s.store.CreateRun(ctx, run)
		if err != nil {
			log.Error("scan: deploy run create failed", "page_id", page.ID, "error", err)
			result.Skipped++
			continue
		}
		if !created {
			result.Skipped++
			continue
		}
		result.Triggered++
		batch = append(batch, deployItem{page: page, run: run})
	}

	if len(batch) > 0 {
		go s.runDeployBatch(batch)
	}
	return result, nil
}

// runDeployBatch waits out the settle delay once, then scans the batch's
// pages one after another with per-page isolation. Runs detached from the
// webhook request's context: the deploy was acknowledged, the scans must
// not die with the HTTP connection. The sleep is recorded as a durable
// workflow step keyed on the batch's first run, so a process restart
// resumes the remaining wait instead of restarting it.
func (s *Service) runDeployBatch(batch []deployItem) {
	s.logger.Info("scan: deploy batch scheduled",
		"pages", len(batch), "settle", s.cfg.DeploySettleDelay)

	budget := s.cfg.DeploySettleDelay + time.Duration(len(batch))*15*time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	runner := workflow.NewRunner(s.store.DB, batch[0].run.ID, s.logger)
	if err := runner.Sleep(ctx, "deploy-settle", s.cfg.DeploySettleDelay); err != nil {
		s.logger.Error("scan: settle wait failed", "run_id", batch[0].run.ID, "error", err)
		return
	}

	for _, it := range batch {
		if err := s.scanPage(ctx, it.page, it.run); err != nil {
			s.logger.Error("scan: deploy scan failed",
				"page_id", it.page.ID, "run_id", it.run.ID, "error", err)
		}
	}
}
