// Package questions generates multi-select steering prompts from a round's
// content and validates the user's answers.
package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/store"
)

const (
	MinQuestions      = 2
	MaxQuestions      = 4
	MinOptions        = 2
	MaxOptionsPerItem = 6
)

var ErrNoCompleteRound = errors.New("no complete round to generate questions from")

const systemPrompt = `You turn a deliberation round into steering questions for the user. Produce %d to %d multiple-choice questions about the genuine decision points in the round below. Each question has %d to %d short options. Respond with ONLY a JSON array, no prose, in this shape:
[{"prompt": "...", "options": ["...", "..."]}]`

// Engine generates QuestionSets via a provider and repairs malformed output.
type Engine struct {
	provider providers.Provider
	log      *slog.Logger
}

func NewEngine(p providers.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: p, log: logger}
}

type rawQuestion struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// Generate builds a QuestionSet for the given round, or for the most recent
// complete round when roundNum is 0. Question and option ids are derived
// from position so re-generation yields the same ids for the same shape.
func (e *Engine) Generate(ctx context.Context, d *store.Discussion, roundNum int) (*store.QuestionSet, error) {
	var r *store.Round
	if roundNum > 0 {
		r = d.RoundByNumber(roundNum)
		if r == nil || !r.Complete() {
			return nil, fmt.Errorf("%w: round %d", ErrNoCompleteRound, roundNum)
		}
	} else {
		r = d.LastCompleteRound()
		if r == nil {
			return nil, ErrNoCompleteRound
		}
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Topic: %s\n\n## Round %d\n", d.Topic, r.RoundNumber)
	for _, p := range store.Personas {
		fmt.Fprintf(&user, "\n%s:\n%s\n", p, strings.TrimSpace(r.Slot(p).Content))
	}

	resp, err := e.provider.ChatStream(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, MinQuestions, MaxQuestions, MinOptions, MaxOptionsPerItem)},
			{Role: "user", Content: user.String()},
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	raw, err := parseQuestionJSON(resp.Content)
	if err != nil {
		e.log.Warn("question generation returned unparseable output, using fallback",
			"discussion", d.ID, "round", r.RoundNumber, "error", err)
		raw = fallbackQuestions(r)
	}

	qs := &store.QuestionSet{
		RoundNumber: r.RoundNumber,
		CreatedAt:   time.Now().UnixMilli(),
	}
	for i, rq := range raw {
		if len(qs.Questions) >= MaxQuestions {
			break
		}
		opts := rq.Options
		if len(opts) > MaxOptionsPerItem {
			opts = opts[:MaxOptionsPerItem]
		}
		if strings.TrimSpace(rq.Prompt) == "" || len(opts) < MinOptions {
			continue
		}
		q := store.Question{
			ID:     fmt.Sprintf("r%dq%d", r.RoundNumber, i+1),
			Prompt: strings.TrimSpace(rq.Prompt),
		}
		for j, text := range opts {
			q.Options = append(q.Options, store.Option{
				ID:   fmt.Sprintf("r%dq%do%d", r.RoundNumber, i+1, j+1),
				Text: strings.TrimSpace(text),
			})
		}
		qs.Questions = append(qs.Questions, q)
	}
	if len(qs.Questions) < MinQuestions {
		// Model output was mostly junk; the deterministic set always parses.
		qs.Questions = qs.Questions[:0]
		for i, rq := range fallbackQuestions(r) {
			q := store.Question{
				ID:     fmt.Sprintf("r%dq%d", r.RoundNumber, i+1),
				Prompt: rq.Prompt,
			}
			for j, text := range rq.Options {
				q.Options = append(q.Options, store.Option{
					ID:   fmt.Sprintf("r%dq%do%d", r.RoundNumber, i+1, j+1),
					Text: text,
				})
			}
			qs.Questions = append(qs.Questions, q)
		}
	}
	return qs, nil
}

// parseQuestionJSON tolerates code fences and leading prose around the array.
func parseQuestionJSON(s string) ([]rawQuestion, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}
	var out []rawQuestion
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("empty question array")
	}
	return out, nil
}

// fallbackQuestions is the deterministic set used when the model's output
// cannot be salvaged.
func fallbackQuestions(r *store.Round) []rawQuestion {
	return []rawQuestion{
		{
			Prompt:  fmt.Sprintf("How should the group treat the direction from round %d?", r.RoundNumber),
			Options: []string{"Continue on the current path", "Revisit the problem framing", "Explore an alternative approach", "Wrap up with the current proposal"},
		},
		{
			Prompt:  "What should the next round prioritize?",
			Options: []string{"More depth on the current proposal", "Risks and failure modes", "Implementation details", "Comparing alternatives"},
		},
	}
}

// ValidateAnswers checks a submitted answer map against the question set:
// every key must be a known question id and every value a known option id
// of that question.
func ValidateAnswers(qs *store.QuestionSet, answers map[string][]string) error {
	byID := make(map[string]*store.Question, len(qs.Questions))
	for i := range qs.Questions {
		byID[qs.Questions[i].ID] = &qs.Questions[i]
	}
	for qid, sel := range answers {
		q, ok := byID[qid]
		if !ok {
			return fmt.Errorf("%w: unknown question id %q", store.ErrInvalid, qid)
		}
		for _, oid := range sel {
			if !hasOption(q, oid) {
				return fmt.Errorf("%w: question %q has no option %q", store.ErrInvalid, qid, oid)
			}
		}
	}
	return nil
}

func hasOption(q *store.Question, id string) bool {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return true
		}
	}
	return false
}
