package store

// Change lifecycle statuses. A change starts watching; checkpoints move it
// to validated or regressed (both can still flip at a later horizon);
// reverted and superseded are terminal.
const (
	StatusWatching   = "watching"
	StatusValidated  = "validated"
	StatusRegressed  = "regressed"
	StatusReverted   = "reverted"
	StatusSuperseded = "superseded"
)

// Terminal reports whether a status can never change again.
func Terminal(status string) bool {
	return status == StatusReverted || status == StatusSuperseded
}

// Change magnitudes. Incremental changes are tracked one record per edit;
// an overhaul collapses concurrent edits into page-scope aggregates.
const (
	MagnitudeIncremental = "incremental"
	MagnitudeOverhaul    = "overhaul"
)

// Scan run trigger kinds.
const (
	KindDeploy = "deploy"
	KindSweep  = "sweep"
	KindManual = "manual"
)

// Scan run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Checkpoint sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Account is one customer account.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Email receives change and checkpoint notifications.
	Email     string `json:"email"`
	Tier      string `json:"tier"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Page is one tracked URL.
type Page struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
	// Path is the URL path used to match deploy changed-path lists.
	Path       string `json:"path"`
	Cadence    string `json:"cadence"`
	Enabled    bool   `json:"enabled"`
	Hypothesis string `json:"hypothesis,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Baseline is one reference snapshot of a page at one viewport.
type Baseline struct {
	ID            string `json:"id"`
	PageID        string `json:"page_id"`
	ViewportWidth int    `json:"viewport_width"`
	PNG           []byte `json:"-"`
	Text          string `json:"-"`
	IsCurrent     bool   `json:"is_current"`
	CapturedAt    int64  `json:"captured_at"`
}

// Change is one tracked page change.
type Change struct {
	ID          string `json:"id"`
	PageID      string `json:"page_id"`
	Scope       string `json:"scope"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	// BeforeText and AfterText describe the element as it looked before
	// and after the change. AfterText is refreshed in place whenever a
	// later scan observes the same change again.
	BeforeText string `json:"before_text,omitempty"`
	AfterText  string `json:"after_text,omitempty"`
	// Magnitude is incremental or overhaul.
	Magnitude string `json:"magnitude"`
	Status    string `json:"status"`
	// MatchConfidence and MatchRationale record the differ's latest match
	// claim that was accepted against this change.
	MatchConfidence float64 `json:"match_confidence,omitempty"`
	MatchRationale  string  `json:"match_rationale,omitempty"`
	// SupersededBy names the aggregate change that replaced this one.
	SupersededBy string `json:"superseded_by,omitempty"`
	// FirstDetectedAt anchors checkpoint horizons. When changes are merged
	// into an aggregate, the aggregate inherits the oldest value.
	FirstDetectedAt int64 `json:"first_detected_at"`
	LastSeenAt      int64 `json:"last_seen_at"`
	CreatedAt       int64 `json:"created_at"`
	UpdatedAt       int64 `json:"updated_at"`
}

// Checkpoint is one outcome assessment at one horizon. Write-once.
type Checkpoint struct {
	ID          string  `json:"id"`
	ChangeID    string  `json:"change_id"`
	HorizonDays int     `json:"horizon_days"`
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	DeltasJSON  string  `json:"deltas_json"`
	Source      string  `json:"source"`
	CreatedAt   int64   `json:"created_at"`
}

// ScanRun records one scan attempt for a page.
type ScanRun struct {
	ID           string `json:"id"`
	PageID       string `json:"page_id"`
	Kind         string `json:"kind"`
	Day          string `json:"day"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	ChangesFound int    `json:"changes_found"`
	StartedAt    int64  `json:"started_at,omitempty"`
	FinishedAt   int64  `json:"finished_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Feedback is one operator reaction to a checkpoint verdict.
type Feedback struct {
	ID           string `json:"id"`
	CheckpointID string `json:"checkpoint_id"`
	Agree        bool   `json:"agree"`
	Note         string `json:"note,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}
