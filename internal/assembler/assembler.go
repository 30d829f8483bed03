// Package assembler builds the prompt sent to a provider for one persona's
// turn, reconstructing exactly the history that persona is allowed to see.
package assembler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/tokens"
)

// ErrAssembly marks an unrepairable history shape (e.g. a complete prior
// round with no Moderator response). The caller must not proceed.
var ErrAssembly = errors.New("context assembly failed")

// Prompt is an assembled generation request.
type Prompt struct {
	System   string
	User     string
	Template Template

	// LastMessage is the response being replied to; nil for round 1 Analyzer.
	LastMessage *store.Response

	// EstimatedTokens covers System + User with the standard estimator.
	EstimatedTokens int
}

// Messages renders the prompt as a provider message list.
func (p *Prompt) Messages() []providers.Message {
	return []providers.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}
}

// Assembler builds prompts from a discussion's durable state.
type Assembler struct {
	estimate func(string) int
	log      *slog.Logger
}

func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{estimate: tokens.Estimate, log: logger}
}

// Build assembles the prompt for persona p generating in round roundNum.
// The discussion must already reflect any partial responses of the current
// round (Solver sees Analyzer's slot, Moderator sees both).
func (a *Assembler) Build(d *store.Discussion, p store.Persona, roundNum int) (*Prompt, error) {
	last, tmpl, err := a.selectLastMessage(d, p, roundNum)
	if err != nil {
		return nil, err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Topic: %s\n", d.Topic)

	if block := summaryBlock(d); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}
	if block := fileManifest(d.Files); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}
	if block := userAnswersBlock(d); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}
	if block := transcriptBlock(d, roundNum); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}

	b.WriteString("\n")
	b.WriteString(continuationInstruction(tmpl, last))
	b.WriteString("\n")

	prompt := &Prompt{
		System:      SystemPrompt(p),
		User:        b.String(),
		Template:    tmpl,
		LastMessage: last,
	}
	prompt.EstimatedTokens = a.estimate(prompt.System) + a.estimate(prompt.User)
	return prompt, nil
}

// selectLastMessage picks the message being replied to and the template:
//   - Analyzer opening round N: Moderator of the previous complete round,
//     nil at round 1.
//   - Solver in round N: Analyzer of round N.
//   - Moderator in round N: Solver of round N.
//
// A wrong-persona candidate is repaired to the invariant; an irreparable
// shape fails with ErrAssembly.
func (a *Assembler) selectLastMessage(d *store.Discussion, p store.Persona, roundNum int) (*store.Response, Template, error) {
	switch p {
	case store.PersonaAnalyzer:
		if roundNum <= 1 {
			return nil, TemplateFirstMessage, nil
		}
		prev := lastCompleteRoundBefore(d, roundNum)
		if prev == nil {
			// Rounds exist but none complete: nothing sane to reply to.
			if len(d.Rounds) == 0 {
				return nil, TemplateFirstMessage, nil
			}
			a.log.Warn("no complete round to respond to, using fallback template",
				"discussion", d.ID, "round", roundNum)
			return nil, TemplateFallback, nil
		}
		if prev.ModeratorResponse.Empty() {
			a.log.Error("complete round missing moderator response",
				"discussion", d.ID, "round", prev.RoundNumber)
			return nil, "", fmt.Errorf("%w: round %d has no moderator response", ErrAssembly, prev.RoundNumber)
		}
		return prev.ModeratorResponse, TemplateNewRound, nil

	case store.PersonaSolver:
		return a.currentRoundSlot(d, roundNum, store.PersonaAnalyzer)

	case store.PersonaModerator:
		return a.currentRoundSlot(d, roundNum, store.PersonaSolver)
	}
	return nil, "", fmt.Errorf("%w: unknown persona %q", ErrAssembly, p)
}

// currentRoundSlot fetches the in-round predecessor response, repairing a
// mis-pointed slot when the right one exists.
func (a *Assembler) currentRoundSlot(d *store.Discussion, roundNum int, want store.Persona) (*store.Response, Template, error) {
	r := d.RoundByNumber(roundNum)
	if r == nil {
		return nil, "", fmt.Errorf("%w: round %d not present", ErrAssembly, roundNum)
	}
	resp := r.Slot(want)
	if resp.Empty() {
		return nil, "", fmt.Errorf("%w: round %d missing %s response", ErrAssembly, roundNum, want)
	}
	if resp.Persona != want {
		a.log.Error("response slot carries wrong persona, repairing",
			"discussion", d.ID, "round", roundNum, "want", want, "got", resp.Persona)
		resp.Persona = want
	}
	return resp, TemplateContinuation, nil
}

func lastCompleteRoundBefore(d *store.Discussion, roundNum int) *store.Round {
	var best *store.Round
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.RoundNumber < roundNum && r.Complete() {
			if best == nil || r.RoundNumber > best.RoundNumber {
				best = r
			}
		}
	}
	return best
}

// summaryBlock renders the current summary plus all prior summaries in
// chronological order, without duplicates.
func summaryBlock(d *store.Discussion) string {
	if d.CurrentSummary == nil && len(d.Summaries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Discussion Summary\n")
	b.WriteString("The summaries below replace the older rounds they list; those rounds are not repeated in the transcript.\n\n")

	seen := make(map[int]bool)
	for i := range d.Summaries {
		s := &d.Summaries[i]
		if seen[s.RoundNumber] {
			continue
		}
		seen[s.RoundNumber] = true
		fmt.Fprintf(&b, "Summary through round %d (replaces rounds %s):\n%s\n\n",
			s.RoundNumber, joinInts(s.ReplacesRounds), strings.TrimSpace(s.Summary))
	}
	if cs := d.CurrentSummary; cs != nil && !seen[cs.RoundNumber] {
		fmt.Fprintf(&b, "Summary through round %d (replaces rounds %s):\n%s\n\n",
			cs.RoundNumber, joinInts(cs.ReplacesRounds), strings.TrimSpace(cs.Summary))
	}
	return b.String()
}

// fileManifest lists attachments by name, type and size only. Content is
// extracted by the external file handler.
func fileManifest(files []store.FileRef) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Attached Files\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", f.Name, f.Type, f.Size)
	}
	return b.String()
}

// userAnswersBlock surfaces every recorded answer across all question sets.
func userAnswersBlock(d *store.Discussion) string {
	var b strings.Builder
	for i := range d.Questions {
		qs := &d.Questions[i]
		for j := range qs.Questions {
			q := &qs.Questions[j]
			if len(q.Selected) == 0 {
				continue
			}
			if b.Len() == 0 {
				b.WriteString("## User Input\nThe user answered steering questions; weigh these choices in your response.\n")
			}
			fmt.Fprintf(&b, "- Q (round %d): %s\n", qs.RoundNumber, q.Prompt)
			for _, sel := range q.Selected {
				if opt := optionByID(q, sel); opt != nil {
					fmt.Fprintf(&b, "  - Selected: %s\n", opt.Text)
				}
			}
		}
	}
	return b.String()
}

func optionByID(q *store.Question, id string) *store.Option {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i]
		}
	}
	return nil
}

// transcriptBlock renders the rounds visible under the summary window:
// completed rounds first, then the in-progress round (number == roundNum)
// with only the slots populated so far. Incomplete rounds other than the
// current one are never shown.
func transcriptBlock(d *store.Discussion, roundNum int) string {
	cutoff := 0
	if d.CurrentSummary != nil {
		cutoff = d.CurrentSummary.RoundNumber
	}

	var b strings.Builder
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.RoundNumber <= cutoff {
			continue
		}
		current := r.RoundNumber == roundNum
		if !r.Complete() && !current {
			continue
		}
		// The current round appears only once it has at least one response;
		// a bare header would otherwise precede the analyzer's first turn.
		if r.Empty() {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("## Transcript\n")
		}
		fmt.Fprintf(&b, "\n### Round %d\n", r.RoundNumber)
		for _, p := range store.Personas {
			resp := r.Slot(p)
			if resp.Empty() {
				continue
			}
			fmt.Fprintf(&b, "\n**%s:**\n%s\n", personaLabel(p), strings.TrimSpace(resp.Content))
		}
	}
	return b.String()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}
