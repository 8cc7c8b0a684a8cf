package store

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/regard/dbopen"
	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db)
}

func seedPage(t *testing.T, s *Store, pageID string) *Page {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertAccount(ctx, &Account{ID: "acc_1", Name: "acme", Tier: "growth"}); err != nil {
		// Accounts are shared across helpers; a duplicate is fine.
		if acc, gerr := s.GetAccount(ctx, "acc_1"); gerr != nil || acc == nil {
			t.Fatalf("insert account: %v", err)
		}
	}
	p := &Page{
		ID:        pageID,
		AccountID: "acc_1",
		URL:       "https://example.com/" + pageID,
		Path:      "/" + pageID,
		Cadence:   "daily",
		Enabled:   true,
	}
	if err := s.InsertPage(ctx, p); err != nil {
		t.Fatalf("insert page: %v", err)
	}
	return p
}

func TestApplySchema_Idempotent(t *testing.T) {
	// WHAT: Applying the schema twice, including column migrations, is safe.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ApplySchema(ctx, db); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
}

func TestInsertBaseline_OneCurrentPerViewport(t *testing.T) {
	// WHAT: A new baseline demotes the previous current one for the same
	// page and viewport; the other viewport is untouched.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	for i, id := range []string{"bl_1", "bl_2"} {
		err := s.InsertBaseline(ctx, &Baseline{
			ID: id, PageID: "pg_1", ViewportWidth: 1440,
			PNG: []byte{byte(i)}, Text: "v",
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := s.InsertBaseline(ctx, &Baseline{
		ID: "bl_3", PageID: "pg_1", ViewportWidth: 390, PNG: []byte{9},
	}); err != nil {
		t.Fatalf("insert bl_3: %v", err)
	}

	cur, err := s.CurrentBaseline(ctx, "pg_1", 1440)
	if err != nil {
		t.Fatalf("current 1440: %v", err)
	}
	if cur == nil || cur.ID != "bl_2" {
		t.Fatalf("current 1440 = %+v, want bl_2", cur)
	}
	mob, err := s.CurrentBaseline(ctx, "pg_1", 390)
	if err != nil || mob == nil || mob.ID != "bl_3" {
		t.Fatalf("current 390 = %+v, %v", mob, err)
	}
}

func TestTransitionStatus_Guarded(t *testing.T) {
	// WHAT: A status transition applies only from the allowed source
	// statuses, so a retried transition is a no-op, and terminal states
	// never move again.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	c := &Change{ID: "chg_1", PageID: "pg_1", Scope: "element", Summary: "cta text"}
	if err := s.InsertChange(ctx, c); err != nil {
		t.Fatalf("insert change: %v", err)
	}

	applied, err := s.TransitionStatus(ctx, "chg_1", StatusReverted, StatusWatching)
	if err != nil || !applied {
		t.Fatalf("first transition: applied=%v err=%v", applied, err)
	}

	// Retry of the same transition is a no-op.
	applied, err = s.TransitionStatus(ctx, "chg_1", StatusReverted, StatusWatching)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if applied {
		t.Fatal("retried transition applied twice")
	}

	// Terminal state cannot move to validated.
	applied, err = s.TransitionStatus(ctx, "chg_1", StatusValidated, StatusWatching, StatusRegressed)
	if err != nil {
		t.Fatalf("terminal transition: %v", err)
	}
	if applied {
		t.Fatal("terminal change left its state")
	}
}

func TestApplyMatch_UpdatesWatchingChangeInPlace(t *testing.T) {
	// WHAT: ApplyMatch rewrites the after state, description, and match
	// metadata of a watching change; terminal changes are left alone.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	c := &Change{
		ID: "chg_1", PageID: "pg_1", Scope: "element", Summary: "cta text",
		Description: "initial sighting", BeforeText: "Buy now", AfterText: "Buy today",
	}
	if err := s.InsertChange(ctx, c); err != nil {
		t.Fatalf("insert change: %v", err)
	}

	seen := time.Now().Add(24 * time.Hour).UnixMilli()
	applied, err := s.ApplyMatch(ctx, "chg_1", "Order today", "copy keeps shifting", 0.9, "same button", seen)
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}

	got, err := s.GetChange(ctx, "chg_1")
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.AfterText != "Order today" || got.Description != "copy keeps shifting" {
		t.Fatalf("updated fields = %q / %q", got.AfterText, got.Description)
	}
	if got.MatchConfidence != 0.9 || got.MatchRationale != "same button" {
		t.Fatalf("match metadata = %v / %q", got.MatchConfidence, got.MatchRationale)
	}
	if got.LastSeenAt != seen {
		t.Fatalf("last_seen_at = %d, want %d", got.LastSeenAt, seen)
	}
	if got.BeforeText != "Buy now" {
		t.Fatalf("before_text = %q, original state lost", got.BeforeText)
	}

	// Empty after/description keep the stored values.
	applied, err = s.ApplyMatch(ctx, "chg_1", "", "", 0.7, "", seen+1)
	if err != nil || !applied {
		t.Fatalf("sparse apply: applied=%v err=%v", applied, err)
	}
	got, _ = s.GetChange(ctx, "chg_1")
	if got.AfterText != "Order today" || got.Description != "copy keeps shifting" {
		t.Fatalf("sparse apply overwrote fields: %q / %q", got.AfterText, got.Description)
	}

	// A terminal change is not updated.
	if _, err := s.TransitionStatus(ctx, "chg_1", StatusReverted, StatusWatching); err != nil {
		t.Fatalf("revert: %v", err)
	}
	applied, err = s.ApplyMatch(ctx, "chg_1", "Never", "never", 1, "never", seen+2)
	if err != nil {
		t.Fatalf("terminal apply: %v", err)
	}
	if applied {
		t.Fatal("terminal change was updated by a match")
	}
}

func TestSupersede_InheritsOldestDetection(t *testing.T) {
	// WHAT: The aggregate takes the oldest first_detected_at among merged
	// changes, and each merged change points at it.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	old := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	newer := time.Now().Add(-2 * 24 * time.Hour).UnixMilli()
	for _, c := range []*Change{
		{ID: "chg_1", PageID: "pg_1", Scope: "element", Summary: "a", FirstDetectedAt: old},
		{ID: "chg_2", PageID: "pg_1", Scope: "element", Summary: "b", FirstDetectedAt: newer},
	} {
		if err := s.InsertChange(ctx, c); err != nil {
			t.Fatalf("insert %s: %v", c.ID, err)
		}
	}

	agg := &Change{ID: "chg_agg", PageID: "pg_1", Scope: "page", Summary: "redesign"}
	if err := s.Supersede(ctx, agg, []string{"chg_1", "chg_2"}); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	got, err := s.GetChange(ctx, "chg_agg")
	if err != nil || got == nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if got.FirstDetectedAt != old {
		t.Errorf("aggregate first_detected_at = %d, want %d", got.FirstDetectedAt, old)
	}
	if got.Status != StatusWatching {
		t.Errorf("aggregate status = %q", got.Status)
	}

	for _, id := range []string{"chg_1", "chg_2"} {
		c, err := s.GetChange(ctx, id)
		if err != nil || c == nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if c.Status != StatusSuperseded || c.SupersededBy != "chg_agg" {
			t.Errorf("%s = status %q superseded_by %q", id, c.Status, c.SupersededBy)
		}
	}
}

func TestSupersede_SkipsTerminalChanges(t *testing.T) {
	// WHAT: A reverted change in the merge list keeps its state and does
	// not contribute its detection time to the aggregate.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	ancient := time.Now().Add(-60 * 24 * time.Hour).UnixMilli()
	if err := s.InsertChange(ctx, &Change{
		ID: "chg_rev", PageID: "pg_1", Scope: "element", Summary: "x",
		FirstDetectedAt: ancient,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.TransitionStatus(ctx, "chg_rev", StatusReverted, StatusWatching); err != nil {
		t.Fatalf("revert: %v", err)
	}

	agg := &Change{ID: "chg_agg", PageID: "pg_1", Scope: "page", Summary: "redesign"}
	if err := s.Supersede(ctx, agg, []string{"chg_rev"}); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	rev, _ := s.GetChange(ctx, "chg_rev")
	if rev.Status != StatusReverted {
		t.Errorf("reverted change moved to %q", rev.Status)
	}
	got, _ := s.GetChange(ctx, "chg_agg")
	if got.FirstDetectedAt == ancient {
		t.Error("aggregate inherited detection time from a terminal change")
	}
}

func TestInsertCheckpoint_WriteOnce(t *testing.T) {
	// WHAT: A second checkpoint at the same horizon is ignored and the
	// first verdict survives.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")
	if err := s.InsertChange(ctx, &Change{ID: "chg_1", PageID: "pg_1", Scope: "element", Summary: "a"}); err != nil {
		t.Fatalf("insert change: %v", err)
	}

	wrote, err := s.InsertCheckpoint(ctx, &Checkpoint{
		ID: "ckp_1", ChangeID: "chg_1", HorizonDays: 7,
		Verdict: "improved", Confidence: 0.6, Reasoning: "first",
	})
	if err != nil || !wrote {
		t.Fatalf("first insert: wrote=%v err=%v", wrote, err)
	}

	wrote, err = s.InsertCheckpoint(ctx, &Checkpoint{
		ID: "ckp_2", ChangeID: "chg_1", HorizonDays: 7,
		Verdict: "regressed", Confidence: 0.9, Reasoning: "second",
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if wrote {
		t.Fatal("duplicate horizon checkpoint was written")
	}

	cps, err := s.ListCheckpoints(ctx, "chg_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 1 || cps[0].Verdict != "improved" {
		t.Fatalf("checkpoints = %+v", cps)
	}
}

func TestDueCheckpoints(t *testing.T) {
	// WHAT: Only elapsed horizons without a checkpoint are due, and
	// terminal changes never are.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	now := time.Now()
	tenDaysAgo := now.Add(-10 * 24 * time.Hour).UnixMilli()
	for _, c := range []*Change{
		{ID: "chg_open", PageID: "pg_1", Scope: "element", Summary: "a", FirstDetectedAt: tenDaysAgo},
		{ID: "chg_rev", PageID: "pg_1", Scope: "element", Summary: "b", FirstDetectedAt: tenDaysAgo},
	} {
		if err := s.InsertChange(ctx, c); err != nil {
			t.Fatalf("insert %s: %v", c.ID, err)
		}
	}
	if _, err := s.TransitionStatus(ctx, "chg_rev", StatusReverted, StatusWatching); err != nil {
		t.Fatalf("revert: %v", err)
	}
	// The 7-day horizon is already written for chg_open.
	if _, err := s.InsertCheckpoint(ctx, &Checkpoint{
		ID: "ckp_1", ChangeID: "chg_open", HorizonDays: 7, Verdict: "neutral", Confidence: 0.3,
	}); err != nil {
		t.Fatalf("insert checkpoint: %v", err)
	}

	due, err := s.DueCheckpoints(ctx, []int{7, 14, 30}, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	// 10 days elapsed: 7d is written, 14d and 30d have not elapsed.
	if len(due) != 0 {
		t.Fatalf("due = %+v, want none", due)
	}

	due, err = s.DueCheckpoints(ctx, []int{7, 14, 30}, now.Add(5*24*time.Hour))
	if err != nil {
		t.Fatalf("due later: %v", err)
	}
	if len(due) != 1 || due[0].Change.ID != "chg_open" || due[0].HorizonDays != 14 {
		t.Fatalf("due later = %+v, want chg_open@14", due)
	}
}

func TestCreateRun_IdempotentPerDay(t *testing.T) {
	// WHAT: Two triggers of the same kind for the same page and day
	// collapse onto one run.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")

	created, err := s.CreateRun(ctx, &ScanRun{ID: "run_1", PageID: "pg_1", Kind: KindDeploy, Day: "2026-08-28"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.CreateRun(ctx, &ScanRun{ID: "run_2", PageID: "pg_1", Kind: KindDeploy, Day: "2026-08-28"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("duplicate run created")
	}

	// A different kind on the same day is its own run.
	created, err = s.CreateRun(ctx, &ScanRun{ID: "run_3", PageID: "pg_1", Kind: KindSweep, Day: "2026-08-28"})
	if err != nil || !created {
		t.Fatalf("sweep create: created=%v err=%v", created, err)
	}

	n, err := s.CountRunsOnDay(ctx, "acc_1", KindDeploy, "2026-08-28")
	if err != nil || n != 1 {
		t.Fatalf("deploy runs = %d, %v", n, err)
	}
}

func TestStartRun_Guarded(t *testing.T) {
	// WHAT: Only one worker wins the pending->running transition.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_1")
	if _, err := s.CreateRun(ctx, &ScanRun{ID: "run_1", PageID: "pg_1", Kind: KindManual, Day: "2026-08-28"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	won, err := s.StartRun(ctx, "run_1")
	if err != nil || !won {
		t.Fatalf("first start: won=%v err=%v", won, err)
	}
	won, err = s.StartRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if won {
		t.Fatal("two workers started the same run")
	}
}

func TestPagesWithoutBaseline(t *testing.T) {
	// WHAT: Newly tracked pages are listed until their first baseline at
	// any viewport lands.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pg_new")
	seedPage(t, s, "pg_captured")
	if err := s.InsertBaseline(ctx, &Baseline{
		ID: "bl_1", PageID: "pg_captured", ViewportWidth: 1440, PNG: []byte{1},
	}); err != nil {
		t.Fatalf("insert baseline: %v", err)
	}

	pages, err := s.PagesWithoutBaseline(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(pages) != 1 || pages[0].ID != "pg_new" {
		t.Fatalf("pages = %+v, want only pg_new", pages)
	}
}

func TestPagesMatchingPaths(t *testing.T) {
	// WHAT: Deploy changed-path filtering matches on the page path; an
	// empty list matches everything enabled.
	s := openStore(t)
	ctx := context.Background()
	seedPage(t, s, "pricing")
	seedPage(t, s, "about")

	got, err := s.PagesMatchingPaths(ctx, "acc_1", []string{"/pricing"})
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pricing" {
		t.Fatalf("filtered = %+v", got)
	}

	all, err := s.PagesMatchingPaths(ctx, "acc_1", nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %+v, %v", all, err)
	}
}
