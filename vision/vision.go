// Package vision compares two page screenshots and proposes the changes it
// sees. Proposals are suggestions only: every reference to an existing
// change is re-validated against a deterministic candidate set before
// anything is written. The model never decides identity.
package vision

import (
	"context"
	"errors"
)

// Scope classifies the blast radius of one observed change.
type Scope string

const (
	// ScopeElement is a change to 1-3 individual elements.
	ScopeElement Scope = "element"
	// ScopeSection is a cluster of related element changes in one region.
	ScopeSection Scope = "section"
	// ScopePage is a redesign touching most of the page.
	ScopePage Scope = "page"
)

// Valid reports whether s is a recognised scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeElement, ScopeSection, ScopePage:
		return true
	}
	return false
}

// ErrMalformedResponse means the model's output could not be parsed as the
// required JSON shape. Callers retry rather than guess.
var ErrMalformedResponse = errors.New("vision: malformed model response")

// Candidate is one open change the differ may link a proposal to. The set
// is computed deterministically from the store before the model is called.
// Before and After give the model the textual state it previously reported,
// so it can recognise an ongoing change across scans.
type Candidate struct {
	ID      string `json:"id"`
	Scope   string `json:"scope"`
	Summary string `json:"summary"`
	Before  string `json:"before,omitempty"`
	After   string `json:"after,omitempty"`
}

// Proposal is one change the differ observed between the two screenshots.
type Proposal struct {
	Scope       Scope  `json:"scope"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	// Before and After describe the affected element's state in each
	// screenshot.
	Before string `json:"before"`
	After  string `json:"after"`
	// MatchedChangeID optionally names a candidate this observation is a
	// continuation of. Empty means the differ believes it is new.
	MatchedChangeID string  `json:"matched_change_id"`
	Confidence      float64 `json:"confidence"`
	Rationale       string  `json:"rationale"`
}

// Input carries one comparison request.
type Input struct {
	PageURL       string
	ViewportWidth int
	BeforePNG     []byte
	AfterPNG      []byte
	// Candidates the model may reference in matched_change_id.
	Candidates []Candidate
}

// Differ compares two screenshots of the same page.
type Differ interface {
	// Diff returns zero proposals when the page is visually unchanged.
	// A malformed model response returns ErrMalformedResponse.
	Diff(ctx context.Context, in Input) ([]Proposal, error)
}
