package scan

import "errors"

var (
	// ErrAccountNotFound means the referenced account does not exist.
	ErrAccountNotFound = errors.New("scan: account not found")

	// ErrPageNotFound means the referenced page does not exist.
	ErrPageNotFound = errors.New("scan: page not found")

	// ErrChangeNotFound means the referenced change does not exist.
	ErrChangeNotFound = errors.New("scan: change not found")

	// ErrCheckpointNotFound means the referenced checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("scan: checkpoint not found")

	// ErrPageLimitReached means the account's tier does not allow more pages.
	ErrPageLimitReached = errors.New("scan: page limit reached for tier")

	// ErrDeployScansNotAllowed means the account's tier has no deploy scans.
	ErrDeployScansNotAllowed = errors.New("scan: deploy scans not available on tier")

	// ErrTerminalStatus means a transition was requested on a change whose
	// status can no longer move.
	ErrTerminalStatus = errors.New("scan: change is in a terminal status")
)
