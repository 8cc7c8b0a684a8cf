package scan

import (
	"log/slog"
	"time"
)

// Config tunes the scan service.
type Config struct {
	// Horizons are the checkpoint horizons in days after first detection.
	// Default: 7, 14, 30, 60, 90.
	Horizons []int `yaml:"horizons"`

	// BaselineMaxAge is how old a baseline may be and still be diffed
	// against. Older baselines are re-established without diffing, because
	// a comparison across a long gap attributes accumulated third-party
	// drift to whatever deploy happened to come next. Default: 14 days.
	BaselineMaxAge time.Duration `yaml:"baseline_max_age"`

	// DeploySettleDelay is the wait between a deploy webhook and the scan,
	// letting caches and CDNs serve the new version. Default: 10m.
	DeploySettleDelay time.Duration `yaml:"deploy_settle_delay"`

	// SweepInterval is how often the scheduled sweep wakes up. The
	// per-page day-level idempotency keeps a short interval harmless.
	// Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CheckpointInterval is how often due checkpoints are processed.
	// Default: 1h.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// OverhaulThreshold is the number of concurrent changes on a page at
	// which per-change tracking stops being meaningful and the engine
	// merges them into page-scope aggregates. Default: 5.
	OverhaulThreshold int `yaml:"overhaul_threshold"`

	// MaxAggregates caps how many page-scope aggregates an overhaul may
	// produce. Default: 2.
	MaxAggregates int `yaml:"max_aggregates"`

	// MaxCandidates caps the open-change candidate list sent to the
	// differ; the oldest changes are kept. Default: 50.
	MaxCandidates int `yaml:"max_candidates"`

	// AssessRetries and AssessRetryBase drive the retry schedule for
	// model-backed assessment before the deterministic fallback takes over.
	// Defaults: 3 attempts, 2s base.
	AssessRetries   int           `yaml:"assess_retries"`
	AssessRetryBase time.Duration `yaml:"assess_retry_base"`

	// BaselineRetention is how long demoted baselines are kept before
	// pruning. Default: 90 days.
	BaselineRetention time.Duration `yaml:"baseline_retention"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if len(c.Horizons) == 0 {
		c.Horizons = []int{7, 14, 30, 60, 90}
	}
	if c.BaselineMaxAge <= 0 {
		c.BaselineMaxAge = 14 * 24 * time.Hour
	}
	if c.DeploySettleDelay <= 0 {
		c.DeploySettleDelay = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Hour
	}
	if c.OverhaulThreshold <= 0 {
		c.OverhaulThreshold = 5
	}
	if c.MaxAggregates <= 0 {
		c.MaxAggregates = 2
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 50
	}
	if c.AssessRetries <= 0 {
		c.AssessRetries = 3
	}
	if c.AssessRetryBase <= 0 {
		c.AssessRetryBase = 2 * time.Second
	}
	if c.BaselineRetention <= 0 {
		c.BaselineRetention = 90 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
