// Package summarizer compacts a discussion's visible rounds into a single
// summary once the estimated context crosses the token budget.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/tokens"
)

var ErrNothingToSummarize = errors.New("no complete rounds to summarize")

const systemPrompt = `You condense multi-party deliberations. Write a self-contained recap of the discussion below: preserve every decision made, every open question, and every choice the user expressed. Someone reading only your recap must be able to continue the deliberation without the original transcript. Plain prose, no headers.`

// Summarizer watches the token budget and produces replacement summaries.
type Summarizer struct {
	provider providers.Provider
	estimate func(string) int
	log      *slog.Logger
}

func New(p providers.Provider, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{provider: p, estimate: tokens.Estimate, log: logger}
}

// Needed reports whether the discussion's current estimate has reached its
// budget.
func (s *Summarizer) Needed(d *store.Discussion) bool {
	budget := d.TokenBudget
	if budget <= 0 {
		budget = tokens.DefaultBudget
	}
	return tokens.OverBudget(d.TokenCount, budget)
}

// Summarize folds every round visible under the current summary window into
// a fresh Summary. The returned summary's ReplacesRounds covers exactly the
// complete rounds it subsumes, so successive summaries never overlap.
func (s *Summarizer) Summarize(ctx context.Context, d *store.Discussion) (*store.Summary, error) {
	cutoff := 0
	if d.CurrentSummary != nil {
		cutoff = d.CurrentSummary.RoundNumber
	}

	var replaces []int
	var transcript strings.Builder
	for i := range d.Rounds {
		r := &d.Rounds[i]
		if r.RoundNumber <= cutoff || !r.Complete() {
			continue
		}
		replaces = append(replaces, r.RoundNumber)
		fmt.Fprintf(&transcript, "\n### Round %d\n", r.RoundNumber)
		for _, p := range store.Personas {
			resp := r.Slot(p)
			fmt.Fprintf(&transcript, "\n%s:\n%s\n", p, strings.TrimSpace(resp.Content))
		}
		appendAnswers(&transcript, d, r.RoundNumber)
	}
	if len(replaces) == 0 {
		return nil, ErrNothingToSummarize
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Topic: %s\n", d.Topic)
	if d.CurrentSummary != nil {
		fmt.Fprintf(&user, "\nEarlier summary (fold its content into yours):\n%s\n",
			strings.TrimSpace(d.CurrentSummary.Summary))
	}
	user.WriteString("\nTranscript to condense:\n")
	user.WriteString(transcript.String())

	resp, err := s.provider.ChatStream(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user.String()},
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, errors.New("summarize: provider returned empty summary")
	}

	roundNumber := replaces[len(replaces)-1]
	sum := &store.Summary{
		RoundNumber:      roundNumber,
		ReplacesRounds:   replaces,
		Summary:          text,
		TokenCountBefore: d.TokenCount,
		TokenCountAfter:  s.estimate(d.Topic) + s.estimate(text),
		CreatedAt:        time.Now().UnixMilli(),
	}
	s.log.Info("summary created",
		"discussion", d.ID,
		"round", roundNumber,
		"replaces", len(replaces),
		"tokens_before", sum.TokenCountBefore,
		"tokens_after", sum.TokenCountAfter)
	return sum, nil
}

// appendAnswers inlines the user's recorded selections for a round so the
// summary never drops user steering.
func appendAnswers(b *strings.Builder, d *store.Discussion, roundNum int) {
	qs := d.QuestionSetForRound(roundNum)
	if qs == nil {
		return
	}
	for i := range qs.Questions {
		q := &qs.Questions[i]
		if len(q.Selected) == 0 {
			continue
		}
		var chosen []string
		for _, sel := range q.Selected {
			for j := range q.Options {
				if q.Options[j].ID == sel {
					chosen = append(chosen, q.Options[j].Text)
				}
			}
		}
		fmt.Fprintf(b, "\nUser answered %q with: %s\n", q.Prompt, strings.Join(chosen, "; "))
	}
}
