package scheduler

import (
	"errors"

	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// Sink receives lifecycle events for fan-out to subscribed clients. The
// gateway implements it; the scheduler never learns about sessions.
type Sink interface {
	Emit(discussionID, event string, payload interface{})
}

// NopSink discards events; useful for CLI-driven runs and tests.
type NopSink struct{}

func (NopSink) Emit(string, string, interface{}) {}

type DiscussionStartedPayload struct {
	DiscussionID string `json:"discussionId"`
	Topic        string `json:"topic"`
	CreatedAt    int64  `json:"createdAt"`
}

type MessageStartPayload struct {
	DiscussionID string        `json:"discussionId"`
	Persona      store.Persona `json:"persona"`
	Turn         int           `json:"turn"`
	RoundNumber  int           `json:"roundNumber"`
}

type MessageChunkPayload struct {
	DiscussionID string        `json:"discussionId"`
	Persona      store.Persona `json:"persona"`
	Turn         int           `json:"turn"`
	Content      string        `json:"content"`
}

type MessageCompletePayload struct {
	DiscussionID string         `json:"discussionId"`
	RoundNumber  int            `json:"roundNumber"`
	Message      store.Response `json:"message"`
}

type RoundCompletePayload struct {
	DiscussionID string      `json:"discussionId"`
	Round        store.Round `json:"round"`
}

type QuestionsGeneratedPayload struct {
	DiscussionID string            `json:"discussionId"`
	QuestionSet  store.QuestionSet `json:"questionSet"`
}

type SummaryCreatedPayload struct {
	DiscussionID string        `json:"discussionId"`
	Summary      store.Summary `json:"summary"`
}

type ConversationResolvedPayload struct {
	DiscussionID string  `json:"discussionId"`
	Solution     string  `json:"solution,omitempty"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason,omitempty"`
}

type ErrorPayload struct {
	DiscussionID string `json:"discussionId,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	Suggestion   string `json:"suggestion,omitempty"`
}

// ErrorCode maps an error to its wire-level category.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, locks.ErrHeld):
		return protocol.ErrCodeAlreadyProcessing
	case errors.Is(err, store.ErrInvalid):
		return protocol.ErrCodeInvalid
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrCodeNotFound
	case errors.Is(err, store.ErrForbidden):
		return protocol.ErrCodeForbidden
	case errors.Is(err, store.ErrConflict):
		return protocol.ErrCodeConflict
	case errors.Is(err, providers.ErrModelUnavailable):
		return protocol.ErrCodeProviderUnavailable
	case errors.Is(err, providers.ErrQuota):
		return protocol.ErrCodeRateLimited
	}
	return protocol.ErrCodeInternal
}

// Suggestion returns the remedial hint for conflict-class errors.
func Suggestion(err error) string {
	switch ErrorCode(err) {
	case protocol.ErrCodeConflict:
		return "resolve or delete the existing active discussion first"
	case protocol.ErrCodeAlreadyProcessing:
		return "a step is already running for this discussion; wait and retry"
	case protocol.ErrCodeRateLimited:
		return "slow down and retry shortly"
	}
	return ""
}
