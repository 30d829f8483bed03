package store

import "strings"

// Persona identifies one of the three deliberation roles, in canonical
// execution order: Analyzer, Solver, Moderator.
type Persona string

const (
	PersonaAnalyzer  Persona = "analyzer"
	PersonaSolver    Persona = "solver"
	PersonaModerator Persona = "moderator"
)

// Personas lists the canonical execution order.
var Personas = [3]Persona{PersonaAnalyzer, PersonaSolver, PersonaModerator}

// Position returns the 1-based slot of the persona within a round (0 if unknown).
func (p Persona) Position() int {
	switch p {
	case PersonaAnalyzer:
		return 1
	case PersonaSolver:
		return 2
	case PersonaModerator:
		return 3
	}
	return 0
}

// Valid reports whether p is one of the three known personas.
func (p Persona) Valid() bool { return p.Position() != 0 }

// TurnNumber computes the global monotonic turn for a persona in a round:
// (round-1)*3 + position.
func TurnNumber(round int, p Persona) int {
	return (round-1)*3 + p.Position()
}

// Response is a single persona's contribution to a round.
type Response struct {
	Persona   Persona `json:"persona"`
	Content   string  `json:"content"`
	Turn      int     `json:"turn"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// Empty reports whether the response carries no content after trimming.
func (r *Response) Empty() bool {
	return r == nil || strings.TrimSpace(r.Content) == ""
}

// Round is one full cycle of three persona responses.
type Round struct {
	RoundNumber       int       `json:"roundNumber"`
	Timestamp         int64     `json:"timestamp"` // unix ms, completion time
	AnalyzerResponse  *Response `json:"analyzerResponse,omitempty"`
	SolverResponse    *Response `json:"solverResponse,omitempty"`
	ModeratorResponse *Response `json:"moderatorResponse,omitempty"`

	// Questions generated against this round, if any.
	Questions *QuestionSet `json:"questions,omitempty"`
}

// Slot returns the response for a persona (nil if absent).
func (r *Round) Slot(p Persona) *Response {
	switch p {
	case PersonaAnalyzer:
		return r.AnalyzerResponse
	case PersonaSolver:
		return r.SolverResponse
	case PersonaModerator:
		return r.ModeratorResponse
	}
	return nil
}

// SetSlot installs a response into its persona's slot.
func (r *Round) SetSlot(resp *Response) {
	switch resp.Persona {
	case PersonaAnalyzer:
		r.AnalyzerResponse = resp
	case PersonaSolver:
		r.SolverResponse = resp
	case PersonaModerator:
		r.ModeratorResponse = resp
	}
}

// Complete reports whether all three slots are non-empty after trimming.
func (r *Round) Complete() bool {
	return !r.AnalyzerResponse.Empty() && !r.SolverResponse.Empty() && !r.ModeratorResponse.Empty()
}

// Empty reports whether no slot is populated.
func (r *Round) Empty() bool {
	return r.AnalyzerResponse.Empty() && r.SolverResponse.Empty() && r.ModeratorResponse.Empty()
}

// Summary is a compacted prose replacement for a contiguous prefix of rounds.
type Summary struct {
	RoundNumber      int    `json:"roundNumber"`
	ReplacesRounds   []int  `json:"replacesRounds"`
	Summary          string `json:"summary"`
	TokenCountBefore int    `json:"tokenCountBefore"`
	TokenCountAfter  int    `json:"tokenCountAfter"`
	CreatedAt        int64  `json:"createdAt"` // unix ms
}

// Option is one selectable choice within a Question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is a single multi-select steering prompt.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Options  []Option `json:"options"`
	Selected []string `json:"selected,omitempty"` // option ids chosen by the user
}

// QuestionSet is a generated bundle of questions bound to a round.
type QuestionSet struct {
	RoundNumber int        `json:"roundNumber"`
	Questions   []Question `json:"questions"`
	CreatedAt   int64      `json:"createdAt"` // unix ms
}

// Discussion is the authoritative record of one deliberation.
type Discussion struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	UserID string `json:"userId"`

	Rounds    []Round       `json:"rounds"`
	Summaries []Summary     `json:"summaries"`
	Questions []QuestionSet `json:"questions"`

	CurrentSummary *Summary `json:"currentSummary,omitempty"`
	CurrentRound   int      `json:"currentRound"`
	IsResolved     bool     `json:"isResolved,omitempty"`

	TokenBudget int `json:"tokenBudget,omitempty"`
	TokenCount  int `json:"tokenCount,omitempty"`

	// File attachments supplied at start (names/types/sizes only; content
	// extraction is handled externally).
	Files []FileRef `json:"files,omitempty"`

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"` // unix ms

	// Legacy journal fields accepted on read from older schema versions.
	LegacyMessages  []LegacyMessage `json:"messages,omitempty"`
	LegacySummary   string          `json:"summary,omitempty"`
	LegacySummaryAt int64           `json:"summaryCreatedAt,omitempty"`
}

// FileRef describes an attachment by name/type/size; content lives elsewhere.
type FileRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// LegacyMessage is the pre-round flat message shape from older journals.
type LegacyMessage struct {
	Persona   Persona `json:"persona"`
	Content   string  `json:"content"`
	Turn      int     `json:"turn"`
	Timestamp int64   `json:"timestamp"`
}

// LastCompleteRound returns the highest-numbered complete round (nil if none).
func (d *Discussion) LastCompleteRound() *Round {
	for i := len(d.Rounds) - 1; i >= 0; i-- {
		if d.Rounds[i].Complete() {
			return &d.Rounds[i]
		}
	}
	return nil
}

// RoundByNumber returns the round with the given number (nil if absent).
func (d *Discussion) RoundByNumber(n int) *Round {
	for i := range d.Rounds {
		if d.Rounds[i].RoundNumber == n {
			return &d.Rounds[i]
		}
	}
	return nil
}

// QuestionSetForRound returns the question set bound to a round (nil if none).
func (d *Discussion) QuestionSetForRound(n int) *QuestionSet {
	for i := range d.Questions {
		if d.Questions[i].RoundNumber == n {
			return &d.Questions[i]
		}
	}
	return nil
}

// RepairTurns recomputes turn numbers from round number and persona position,
// correcting any drift introduced by older writers. Returns the number of
// corrected responses.
func (d *Discussion) RepairTurns() int {
	fixed := 0
	for i := range d.Rounds {
		r := &d.Rounds[i]
		for _, p := range Personas {
			resp := r.Slot(p)
			if resp == nil {
				continue
			}
			want := TurnNumber(r.RoundNumber, p)
			if resp.Turn != want {
				resp.Turn = want
				fixed++
			}
		}
	}
	return fixed
}

// EstimateTokensWith sums fn over topic, current summary, and all visible
// round content. Rounds folded into the current summary are excluded.
func (d *Discussion) EstimateTokensWith(fn func(string) int) int {
	total := fn(d.Topic)
	cutoff := 0
	if d.CurrentSummary != nil {
		total += fn(d.CurrentSummary.Summary)
		cutoff = d.CurrentSummary.RoundNumber
	}
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.RoundNumber <= cutoff {
			continue
		}
		for _, p := range Personas {
			if resp := r.Slot(p); resp != nil {
				total += fn(resp.Content)
			}
		}
	}
	return total
}
