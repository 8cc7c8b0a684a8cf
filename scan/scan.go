// Package scan is the change-detection engine: it captures tracked pages,
// diffs them against their baselines, reconciles what the differ saw into
// tracked changes, and assesses outcomes at fixed horizons.
//
// Scans are triggered three ways: a deploy webhook (after a settle delay),
// the scheduled sweep, and manual requests. All three funnel into the same
// per-page scan, and day-level run uniqueness makes retried triggers
// harmless.
package scan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/regard/assess"
	"github.com/hazyhaar/regard/capture"
	"github.com/hazyhaar/regard/idgen"
	"github.com/hazyhaar/regard/metrics"
	"github.com/hazyhaar/regard/notify"
	"github.com/hazyhaar/regard/observability"
	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/tier"
	"github.com/hazyhaar/regard/vision"
	"github.com/hazyhaar/regard/workflow"
)

// Service is the scan engine. Construct with New, start background loops
// with Start.
type Service struct {
	cfg      Config
	store    *store.Store
	capturer capture.Capturer
	differ   vision.Differ
	assessor assess.Assessor
	metrics  *metrics.Registry
	policy   tier.Policy

	notifier *notify.Dispatcher
	events   *observability.EventLogger
	newID    func(prefix string) string
	now      func() time.Time
	logger   *slog.Logger
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithNotifier routes change and checkpoint notifications.
func WithNotifier(d *notify.Dispatcher) ServiceOption {
	return func(s *Service) { s.notifier = d }
}

// WithEventLogger records business events to the observability database.
func WithEventLogger(l *observability.EventLogger) ServiceOption {
	return func(s *Service) { s.events = l }
}

// WithClock overrides the time source. Tests use this to move horizons.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the ID generator.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(s *Service) {
		s.newID = func(prefix string) string { return prefix + gen() }
	}
}

// WithTierPolicy overrides the default tier quota table.
func WithTierPolicy(p tier.Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// New creates the scan service on an opened service database. The schema
// must already be applied (see Setup).
func New(db *sql.DB, capturer capture.Capturer, differ vision.Differ,
	assessor assess.Assessor, reg *metrics.Registry, cfg Config, opts ...ServiceOption) *Service {
	cfg.defaults()
	s := &Service{
		cfg:      cfg,
		store:    store.New(db),
		capturer: capturer,
		differ:   differ,
		assessor: assessor,
		metrics:  reg,
		policy:   tier.DefaultPolicy(),
		notifier: notify.NewDispatcher(notify.Nop{}, cfg.Logger),
		newID:    func(prefix string) string { return prefix + idgen.New() },
		now:      time.Now,
		logger:   cfg.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Setup applies the service schema, including the workflow step tables
// used for durable deploy settle waits.
func Setup(ctx context.Context, db *sql.DB) error {
	if err := store.ApplySchema(ctx, db); err != nil {
		return err
	}
	return workflow.ApplySchema(db)
}

// Start runs the background loops until ctx is cancelled: the scheduled
// sweep, checkpoint processing, and baseline pruning.
func (s *Service) Start(ctx context.Context) {
	go s.loop(ctx, "sweep", s.cfg.SweepInterval, func(ctx context.Context) error {
		return s.RunSweep(ctx)
	})
	go s.loop(ctx, "checkpoints", s.cfg.CheckpointInterval, func(ctx context.Context) error {
		return s.RunCheckpoints(ctx)
	})
	go s.loop(ctx, "prune", 24*time.Hour, func(ctx context.Context) error {
		n, err := s.store.PruneBaselines(ctx, s.cfg.BaselineRetention)
		if n > 0 {
			s.logger.Info("scan: pruned baselines", "count", n)
		}
		return err
	})
}

func (s *Service) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scan: loop started", "loop", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan: loop stopped", "loop", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Error("scan: loop iteration failed", "loop", name, "error", err)
			}
		}
	}
}

// ---------- Accounts and pages ----------

// CreateAccount registers a new account.
func (s *Service) CreateAccount(ctx context.Context, name, email, tierName string) (*Account, error) {
	a := &Account{
		ID:    s.newID("acc_"),
		Name:  name,
		Email: email,
		Tier:  string(tier.Parse(tierName)),
	}
	if err := s.store.InsertAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("scan: create account: %w", err)
	}
	return a, nil
}

// GetAccount retrieves an account.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// CreatePage starts tracking a URL, enforcing the account's tier page limit.
func (s *Service) CreatePage(ctx context.Context, p *Page) (*Page, error) {
	acc, err := s.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.CountPages(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if n >= s.policy.PageLimit(tier.Parse(acc.Tier)) {
		return nil, ErrPageLimitReached
	}

	p.ID = s.newID("pg_")
	p.Enabled = true
	if err := s.store.InsertPage(ctx, p); err != nil {
		return nil, fmt.Errorf("scan: create page: %w", err)
	}
	s.logger.Info("scan: page tracked", "page_id", p.ID, "url", p.URL, "account_id", p.AccountID)
	return p, nil
}

// GetPage retrieves a page.
func (s *Service) GetPage(ctx context.Context, id string) (*Page, error) {
	p, err := s.store.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPageNotFound
	}
	return p, nil
}

// ListPages lists an account's pages.
func (s *Service) ListPages(ctx context.Context, accountID string) ([]*Page, error) {
	return s.store.ListPages(ctx, accountID)
}

// DeletePage stops tracking a page and drops its history.
func (s *Service) DeletePage(ctx context.Context, id string) error {
	if _, err := s.GetPage(ctx, id); err != nil {
		return err
	}
	return s.store.DeletePage(ctx, id)
}

// ---------- Changes and checkpoints ----------

// ListChanges lists a page's changes, optionally filtered by status.
func (s *Service) ListChanges(ctx context.Context, pageID string, statuses ...string) ([]*Change, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	return s.store.ListChanges(ctx, pageID, statuses...)
}

// ListCheckpoints lists a change's checkpoints ordered by horizon.
func (s *Service) ListCheckpoints(ctx context.Context, changeID string) ([]*Checkpoint, error) {
	c, err := s.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrChangeNotFound
	}
	return s.store.ListCheckpoints(ctx, changeID)
}

// RevertChange marks a change reverted. This is a manual, operator-driven
// transition: the pipeline never infers reversion on its own. Terminal and
// already-reverted changes return ErrTerminalStatus.
func (s *Service) RevertChange(ctx context.Context, changeID string) error {
	c, err := s.store.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrChangeNotFound
	}
	applied, err := s.store.TransitionStatus(ctx, changeID, StatusReverted,
		StatusWatching, StatusValidated, StatusRegressed)
	if err != nil {
		return err
	}
	if !applied {
		return ErrTerminalStatus
	}
	s.logger.Info("scan: change reverted", "change_id", changeID)
	return nil
}

// SubmitFeedback records operator feedback on a checkpoint verdict. It
// feeds future assessments as calibration context only.
func (s *Service) SubmitFeedback(ctx context.Context, checkpointID string, agree bool, note string) (*Feedback, error) {
	cp, err := s.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrCheckpointNotFound
	}
	f := &Feedback{
		ID:           s.newID("fb_"),
		CheckpointID: checkpointID,
		Agree:        agree,
		Note:         note,
	}
	if err := s.store.InsertFeedback(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ---------- Scan execution ----------

// ScanNow triggers an immediate manual scan of one page. Returns the run,
// which may be an existing one if a manual scan already happened today.
func (s *Service) ScanNow(ctx context.Context, pageID string) (*ScanRun, error) {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	run := &ScanRun{
		ID:     s.newID("run_"),
		PageID: page.ID,
		Kind:   KindManual,
		Day:    s.day(),
	}
	created, err := s.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !created {
		// A scan already happened (or is happening) today; hand back its run.
		return s.store.GetRunByKey(ctx, page.ID, KindManual, run.Day)
	}
	if err := s.scanPage(ctx, page, run); err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, run.ID)
}

// EstablishPending captures first baselines for newly tracked pages. The
// watch loop calls this when it notices page inserts.
func (s *Service) EstablishPending(ctx context.Context) error {
	pages, err := s.store.PagesWithoutBaseline(ctx)
	if err != nil {
		return err
	}
	for _, p := range pages {
		if err := s.establishBaselines(ctx, p); err != nil {
			s.logger.Error("scan: first baseline failed", "page_id", p.ID, "url", p.URL, "error", err)
			continue
		}
		s.logger.Info("scan: first baseline established", "page_id", p.ID, "url", p.URL)
	}
	return nil
}

func (s *Service) establishBaselines(ctx context.Context, page *Page) error {
	shots, err := s.captureViewports(ctx, page.URL)
	if err != nil {
		return err
	}
	for _, width := range capture.Viewports {
		if err := s.storeBaseline(ctx, page.ID, shots[width]); err != nil {
			return err
		}
	}
	return nil
}

// captureViewports captures every viewport concurrently and joins the
// results before anything is diffed or stored. The first capture error
// fails the whole set: a page state with only half its viewports is not a
// state worth comparing against.
func (s *Service) captureViewports(ctx context.Context, url string) (map[int]*capture.Shot, error) {
	shots := make(map[int]*capture.Shot, len(capture.Viewports))
	errs := make([]error, len(capture.Viewports))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, width := range capture.Viewports {
		wg.Add(1)
		go func(i, width int) {
			defer wg.Done()
			shot, err := s.capturer.Capture(ctx, url, width)
			if err != nil {
				errs[i] = fmt.Errorf("capture %dpx: %w", width, err)
				return
			}
			mu.Lock()
			shots[width] = shot
			mu.Unlock()
		}(i, width)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return shots, nil
}

func (s *Service) storeBaseline(ctx context.Context, pageID string, shot *capture.Shot) error {
	return s.store.InsertBaseline(ctx, &store.Baseline{
		ID:            s.newID("bl_"),
		PageID:        pageID,
		ViewportWidth: shot.ViewportWidth,
		PNG:           shot.PNG,
		Text:          shot.Text,
		CapturedAt:    s.now().UnixMilli(),
	})
}

// scanPage runs one scan: claim the run, capture the viewports
// concurrently, diff each against its usable baseline, reconcile proposals
// into tracked changes. The run row absorbs the error on failure; the
// page's other state is untouched so a retry on a later day starts clean.
func (s *Service) scanPage(ctx context.Context, page *Page, run *ScanRun) error {
	won, err := s.store.StartRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	log := s.logger.With("page_id", page.ID, "run_id", run.ID, "kind", run.Kind)

	open, err := s.store.OpenChanges(ctx, page.ID)
	if err != nil {
		return s.failRun(ctx, run, fmt.Errorf("open changes: %w", err))
	}
	candidates := candidateSet(open, s.cfg.MaxCandidates)

	shots, err := s.captureViewports(ctx, page.URL)
	if err != nil {
		return s.failRun(ctx, run, err)
	}

	var proposals []vision.Proposal
	for _, width := range capture.Viewports {
		baseline, err := s.store.CurrentBaseline(ctx, page.ID, width)
		if err != nil {
			return s.failRun(ctx, run, fmt.Errorf("baseline %dpx: %w", width, err))
		}
		shot := shots[width]

		switch state := EvaluateBaseline(baseline, s.cfg.BaselineMaxAge, s.now()); state {
		case StateMissing, StateStale:
			// Nothing trustworthy to diff against. The fresh capture
			// becomes the baseline and the scan reports no changes.
			log.Info("scan: re-establishing baseline", "viewport", width, "state", state.String())
			if err := s.storeBaseline(ctx, page.ID, shot); err != nil {
				return s.failRun(ctx, run, err)
			}

		case StateUsable:
			found, err := s.differ.Diff(ctx, vision.Input{
				PageURL:       page.URL,
				ViewportWidth: width,
				BeforePNG:     baseline.PNG,
				AfterPNG:      shot.PNG,
				Candidates:    candidates,
			})
			if err != nil {
				return s.failRun(ctx, run, fmt.Errorf("diff %dpx: %w", width, err))
			}
			proposals = append(proposals, found...)

			if err := s.storeBaseline(ctx, page.ID, shot); err != nil {
				return s.failRun(ctx, run, err)
			}
		}
	}

	proposals = validateMatches(proposals, candidates, log)

	newChanges, err := s.reconcile(ctx, page, open, proposals)
	if err != nil {
		return s.failRun(ctx, run, fmt.Errorf("reconcile: %w", err))
	}

	if err := s.store.CompleteRun(ctx, run.ID, len(newChanges)); err != nil {
		return err
	}
	s.logEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventScanCompleted,
		EntityType: "scan_run",
		EntityID:   run.ID,
		AccountID:  page.AccountID,
		Success:    true,
	})
	log.Info("scan: completed", "proposals", len(proposals), "new_changes", len(newChanges))
	return nil
}

func (s *Service) failRun(ctx context.Context, run *ScanRun, cause error) error {
	if err := s.store.FailRun(ctx, run.ID, cause.Error()); err != nil {
		s.logger.Error("scan: recording failure failed", "run_id", run.ID, "error", err)
	}
	s.logEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventScanFailed,
		EntityType: "scan_run",
		EntityID:   run.ID,
		Details:    fmt.Sprintf(`{"error":%q}`, cause.Error()),
		Success:    false,
	})
	return cause
}

func (s *Service) logEvent(ctx context.Context, ev observability.BusinessEvent) {
	if s.events != nil {
		s.events.LogEvent(ctx, ev)
	}
}

// notifyAccount sends a notification to the account's email, if any.
// Fire-and-forget: delivery failures are logged by the dispatcher.
func (s *Service) notifyAccount(ctx context.Context, accountID, subject, body string) {
	if s.notifier == nil {
		return
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil || acc == nil || acc.Email == "" {
		return
	}
	s.notifier.Dispatch(ctx, acc.Email, subject, body)
	s.logEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventNotificationSent,
		EntityType: "account",
		EntityID:   accountID,
		AccountID:  accountID,
		Success:    true,
	})
}

// day returns the current UTC day used for run idempotency.
func (s *Service) day() string {
	return s.now().UTC().Format("2006-01-02")
}
