package scan

import "github.com/hazyhaar/regard/scan/internal/store"

// Re-exported store types forming the service's public data model.
type (
	Account    = store.Account
	Page       = store.Page
	Baseline   = store.Baseline
	Change     = store.Change
	Checkpoint = store.Checkpoint
	ScanRun    = store.ScanRun
	Feedback   = store.Feedback
)

// Change lifecycle statuses.
const (
	StatusWatching   = store.StatusWatching
	StatusValidated  = store.StatusValidated
	StatusRegressed  = store.StatusRegressed
	StatusReverted   = store.StatusReverted
	StatusSuperseded = store.StatusSuperseded
)

// Change magnitudes.
const (
	MagnitudeIncremental = store.MagnitudeIncremental
	MagnitudeOverhaul    = store.MagnitudeOverhaul
)

// Scan trigger kinds.
const (
	KindDeploy = store.KindDeploy
	KindSweep  = store.KindSweep
	KindManual = store.KindManual
)
