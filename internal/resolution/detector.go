// Package resolution classifies whether a deliberation round has reached
// consensus. The detector is rule-based: deterministic for a given round,
// no provider call.
package resolution

import (
	"strings"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

// Verdict is the detector's output for one round.
type Verdict struct {
	Resolved   bool
	Confidence float64 // in [0, 1]
	Solution   string  // extracted proposal text, when resolved
	Reason     string
}

// MinConfidence is the threshold below which a consensus reading is
// reported as unresolved.
const MinConfidence = 0.6

// Moderator phrasing that signals convergence. Matched case-insensitively
// against the moderator's response only; the moderator is the persona
// charged with calling consensus.
var agreementMarkers = []string{
	"consensus",
	"we agree",
	"all agree",
	"we are aligned",
	"in agreement",
	"the proposal is sound",
	"this resolves",
	"final answer",
	"final solution",
	"conclude the discussion",
	"nothing further to discuss",
	"no further discussion",
	"no remaining concerns",
	"ready to conclude",
}

var dissentMarkers = []string{
	"disagree",
	"not convinced",
	"unresolved",
	"open question",
	"open questions",
	"remains open",
	"needs more",
	"needs further",
	"not yet",
	"however",
	"but i",
	"concern",
	"revisit",
	"push back",
}

// Detector implements the consensus check over the latest complete round.
type Detector struct{}

func NewDetector() *Detector { return &Detector{} }

// Classify inspects the most recent complete round. A discussion with no
// complete round is always unresolved.
func (d *Detector) Classify(disc *store.Discussion) Verdict {
	r := disc.LastCompleteRound()
	if r == nil {
		return Verdict{Reason: "no complete round"}
	}
	return d.ClassifyRound(r)
}

// ClassifyRound scores the moderator's response against the marker sets.
// Each agreement marker adds weight, each dissent marker subtracts more,
// so one hedged sentence outweighs a politeness-level "we agree".
func (d *Detector) ClassifyRound(r *store.Round) Verdict {
	mod := strings.ToLower(r.ModeratorResponse.Content)

	agree := 0
	for _, m := range agreementMarkers {
		if strings.Contains(mod, m) {
			agree++
		}
	}
	dissent := 0
	for _, m := range dissentMarkers {
		if strings.Contains(mod, m) {
			dissent++
		}
	}

	if agree == 0 {
		return Verdict{Reason: "no agreement signal from moderator"}
	}

	score := float64(agree) - 1.5*float64(dissent)
	if score <= 0 {
		return Verdict{
			Confidence: 0,
			Reason:     "moderator hedged: dissent outweighs agreement",
		}
	}

	// One clean agreement scores 0.6; each extra marker adds 0.15 up to 1.0.
	confidence := MinConfidence + 0.15*(score-1)
	if confidence > 1 {
		confidence = 1
	}
	if confidence < MinConfidence {
		return Verdict{Confidence: confidence, Reason: "agreement signal too weak"}
	}

	return Verdict{
		Resolved:   true,
		Confidence: confidence,
		Solution:   extractSolution(r),
		Reason:     "moderator called consensus",
	}
}

// extractSolution pulls the text the group converged on. The solver's
// contribution is the proposal; fall back to the moderator's closing
// statement when the solver slot is unusable.
func extractSolution(r *store.Round) string {
	if !r.SolverResponse.Empty() {
		return strings.TrimSpace(r.SolverResponse.Content)
	}
	return strings.TrimSpace(r.ModeratorResponse.Content)
}
