package scan

import (
	"log/slog"

	"github.com/hazyhaar/regard/scan/internal/store"
	"github.com/hazyhaar/regard/vision"
)

// validateMatches enforces candidate-set membership on differ output. A
// matched_change_id that is not in the candidate set handed to the model is
// cleared, demoting the proposal to a new change. Membership is the only
// test: confidence is never consulted, so a confidently hallucinated id
// gets no special treatment.
func validateMatches(proposals []vision.Proposal, candidates []vision.Candidate, logger *slog.Logger) []vision.Proposal {
	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c.ID] = true
	}

	out := make([]vision.Proposal, len(proposals))
	for i, p := range proposals {
		if p.MatchedChangeID != "" && !allowed[p.MatchedChangeID] {
			logger.Warn("scan: differ referenced unknown change, treating as new",
				"matched_change_id", p.MatchedChangeID,
				"summary", p.Summary,
				"confidence", p.Confidence)
			p.MatchedChangeID = ""
		}
		out[i] = p
	}
	return out
}

// candidateSet converts open changes into the differ's candidate list,
// bounded at max entries. Open changes arrive oldest first, so the bound
// drops the newest ones; a match claim on a dropped change fails the
// membership test above and is tracked as a new change instead.
func candidateSet(open []*store.Change, max int) []vision.Candidate {
	if max > 0 && len(open) > max {
		open = open[:max]
	}
	cands := make([]vision.Candidate, 0, len(open))
	for _, c := range open {
		cands = append(cands, vision.Candidate{
			ID:      c.ID,
			Scope:   c.Scope,
			Summary: c.Summary,
			Before:  c.BeforeText,
			After:   c.AfterText,
		})
	}
	return cands
}
