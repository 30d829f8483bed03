// Package scheduler drives each discussion through the three personas in
// strict order, one exclusive step at a time under the processing lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/trialogue/internal/assembler"
	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/questions"
	"github.com/nextlevelbuilder/trialogue/internal/resolution"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/summarizer"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

var tracer = otel.Tracer("trialogue/scheduler")

// ErrAlreadyProcessing is returned when a second step arrives while the
// processing lock is held.
var ErrAlreadyProcessing = errors.New("discussion is already processing")

// ErrResolved rejects round-driving actions on a resolved discussion.
var ErrResolved = fmt.Errorf("%w: discussion is resolved", store.ErrConflict)

// State is the scheduler's per-discussion phase, for status reporting.
type State string

const (
	StateIdle                State = "idle"
	StateGeneratingResponse  State = "generating-response"
	StateRoundClosing        State = "round-closing"
	StateAwaitingUserAction  State = "awaiting-user-action"
	StateSummarizing         State = "summarizing"
	StateGeneratingQuestions State = "generating-questions"
	StateResolved            State = "resolved"
)

// DefaultMaxConcurrentSteps bounds parallel scheduler steps across all
// discussions.
const DefaultMaxConcurrentSteps = 16

// Deps wires the scheduler's collaborators. All fields are required except
// Sink and Logger.
type Deps struct {
	Store      store.DiscussionStore
	Locks      locks.Service
	Assembler  *assembler.Assembler
	Provider   providers.Provider
	Summarizer *summarizer.Summarizer
	Questions  *questions.Engine
	Resolution *resolution.Detector
	Sink       Sink
	Logger     *slog.Logger

	MaxConcurrentSteps int
}

type Scheduler struct {
	store      store.DiscussionStore
	locks      locks.Service
	assembler  *assembler.Assembler
	provider   providers.Provider
	summarizer *summarizer.Summarizer
	questions  *questions.Engine
	resolution *resolution.Detector
	sink       Sink
	log        *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	states map[string]State
}

func New(deps Deps) *Scheduler {
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxConcurrentSteps <= 0 {
		deps.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	return &Scheduler{
		store:      deps.Store,
		locks:      deps.Locks,
		assembler:  deps.Assembler,
		provider:   deps.Provider,
		summarizer: deps.Summarizer,
		questions:  deps.Questions,
		resolution: deps.Resolution,
		sink:       deps.Sink,
		log:        deps.Logger,
		sem:        make(chan struct{}, deps.MaxConcurrentSteps),
		states:     make(map[string]State),
	}
}

// StateOf reports the last observed phase for a discussion.
func (s *Scheduler) StateOf(discussionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[discussionID]; ok {
		return st
	}
	return StateIdle
}

func (s *Scheduler) setState(discussionID string, st State) {
	s.mu.Lock()
	s.states[discussionID] = st
	s.mu.Unlock()
}

// Start opens a new discussion and drives round 1 through all three
// personas. A second unresolved discussion for the same user is a conflict.
func (s *Scheduler) Start(ctx context.Context, userID, topic, id string, files []store.FileRef) (*store.Discussion, error) {
	if userID == "" || topic == "" {
		return nil, fmt.Errorf("%w: user id and topic are required", store.ErrInvalid)
	}

	if id == "" {
		id = uuid.NewString()
	}

	var d *store.Discussion
	err := s.step(ctx, userID, id, func(ctx context.Context) error {
		// Sole-active check and creation happen under one hold of the
		// user-scoped lock, so racing starts cannot both pass the check.
		var err error
		d, err = s.store.CreateActive(ctx, userID, topic, id, files)
		if err != nil {
			return err
		}
		s.sink.Emit(d.ID, protocol.EventDiscussionStarted, DiscussionStartedPayload{
			DiscussionID: d.ID,
			Topic:        d.Topic,
			CreatedAt:    d.CreatedAt,
		})
		d, err = s.runRound(ctx, d, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Proceed drives the next round. Transparent summarization runs first when
// the token budget was reached by the previous round.
func (s *Scheduler) Proceed(ctx context.Context, userID, discussionID string) (*store.Discussion, error) {
	var d *store.Discussion
	err := s.step(ctx, userID, discussionID, func(ctx context.Context) error {
		var err error
		d, err = s.store.Read(ctx, discussionID, userID)
		if err != nil {
			return err
		}
		if d.IsResolved {
			return ErrResolved
		}
		if d, err = s.maybeSummarize(ctx, d); err != nil {
			return err
		}
		d, err = s.runRound(ctx, d, d.CurrentRound+1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GenerateQuestions produces a steering question set for roundNumber (0
// means the latest complete round) and returns to awaiting-user-action.
func (s *Scheduler) GenerateQuestions(ctx context.Context, userID, discussionID string, roundNumber int) (*store.QuestionSet, error) {
	var qs *store.QuestionSet
	err := s.step(ctx, userID, discussionID, func(ctx context.Context) error {
		d, err := s.store.Read(ctx, discussionID, userID)
		if err != nil {
			return err
		}
		s.setState(d.ID, StateGeneratingQuestions)
		qs, err = s.questions.Generate(ctx, d, roundNumber)
		if err != nil {
			return err
		}
		if err := s.store.AppendQuestions(ctx, d.ID, userID, *qs); err != nil {
			return err
		}
		s.sink.Emit(d.ID, protocol.EventQuestionsGenerated, QuestionsGeneratedPayload{
			DiscussionID: d.ID,
			QuestionSet:  *qs,
		})
		s.setState(d.ID, StateAwaitingUserAction)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return qs, nil
}

// SubmitAnswers records the user's selections. It never advances the round,
// so it runs under the store's file lock only.
func (s *Scheduler) SubmitAnswers(ctx context.Context, userID, discussionID string, roundNumber int, answers map[string][]string) error {
	err := s.store.RecordAnswers(ctx, discussionID, userID, roundNumber, answers)
	if err != nil {
		s.emitError(discussionID, err)
	}
	return err
}

// step runs fn under the processing lock and the worker-pool slot, emitting
// an error event and restoring idle state on failure. Disk state is left
// exactly as fn's completed writes produced it.
func (s *Scheduler) step(ctx context.Context, userID, discussionID string, fn func(ctx context.Context) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	lockID, err := s.locks.Acquire(ctx, locks.ScopeProcessing, userID, discussionID, locks.ProcessingTTL)
	if err != nil {
		return err
	}
	if lockID == "" {
		err := fmt.Errorf("%w: discussion %s", ErrAlreadyProcessing, discussionID)
		s.emitError(discussionID, err)
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.locks.Release(releaseCtx, locks.ScopeProcessing, userID, discussionID, lockID)
	}()

	if err := fn(ctx); err != nil {
		s.log.Error("scheduler step failed",
			"discussion", discussionID, "user", userID, "error", err)
		s.emitError(discussionID, err)
		return err
	}
	return nil
}

// runRound generates Analyzer, Solver, Moderator in order, appends the
// complete round, then runs resolution and summarization checks. The
// returned discussion reflects the post-append journal.
func (s *Scheduler) runRound(ctx context.Context, d *store.Discussion, roundNum int) (_ *store.Discussion, err error) {
	ctx, span := tracer.Start(ctx, "scheduler.round", trace.WithAttributes(
		attribute.String("discussion.id", d.ID),
		attribute.Int("discussion.round", roundNum),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Refuse a non-contiguous round up front: catching it here, rather than
	// at AppendRound, avoids spending three provider streams on a round the
	// store would reject.
	if roundNum != d.CurrentRound+1 {
		return nil, fmt.Errorf("%w: round %d already recorded (current round %d)",
			store.ErrConflict, roundNum, d.CurrentRound)
	}

	d.Rounds = append(d.Rounds, store.Round{RoundNumber: roundNum})
	cur := &d.Rounds[len(d.Rounds)-1]

	for _, p := range store.Personas {
		s.setState(d.ID, StateGeneratingResponse)
		resp, err := s.generateResponse(ctx, d, p, roundNum)
		if err != nil {
			// Partial output is discarded; nothing was persisted.
			return nil, err
		}
		cur.SetSlot(resp)
	}
	cur.Timestamp = time.Now().UnixMilli()

	s.setState(d.ID, StateRoundClosing)
	if err := s.store.AppendRound(ctx, d.ID, d.UserID, *cur); err != nil {
		// In-memory responses are dropped; disk truth wins.
		return nil, err
	}
	s.sink.Emit(d.ID, protocol.EventRoundComplete, RoundCompletePayload{
		DiscussionID: d.ID,
		Round:        *cur,
	})

	// Reload to pick up the recomputed token count.
	fresh, err := s.store.Read(ctx, d.ID, d.UserID)
	if err == nil {
		d = fresh
	}

	if v := s.resolution.Classify(d); v.Resolved {
		if err := s.store.MarkResolved(ctx, d.ID, d.UserID); err != nil {
			return nil, err
		}
		d.IsResolved = true
		s.sink.Emit(d.ID, protocol.EventConversationResolved, ConversationResolvedPayload{
			DiscussionID: d.ID,
			Solution:     v.Solution,
			Confidence:   v.Confidence,
			Reason:       v.Reason,
		})
		s.setState(d.ID, StateResolved)
		s.log.Info("discussion resolved",
			"discussion", d.ID, "round", roundNum, "confidence", v.Confidence)
		return d, nil
	}

	if d, err = s.maybeSummarize(ctx, d); err != nil {
		return nil, err
	}
	s.setState(d.ID, StateAwaitingUserAction)
	return d, nil
}

// generateResponse assembles the persona's prompt, streams the provider
// output chunk by chunk to the sink, and returns the finished response.
func (s *Scheduler) generateResponse(ctx context.Context, d *store.Discussion, p store.Persona, roundNum int) (*store.Response, error) {
	ctx, span := tracer.Start(ctx, "scheduler.generate",
		trace.WithAttributes(attribute.String("persona", string(p))))
	defer span.End()

	prompt, err := s.assembler.Build(d, p, roundNum)
	if err != nil {
		return nil, err
	}
	turn := store.TurnNumber(roundNum, p)

	s.sink.Emit(d.ID, protocol.EventMessageStart, MessageStartPayload{
		DiscussionID: d.ID,
		Persona:      p,
		Turn:         turn,
		RoundNumber:  roundNum,
	})

	resp, err := s.provider.ChatStream(ctx, providers.ChatRequest{Messages: prompt.Messages()}, func(c providers.StreamChunk) {
		if c.Content == "" {
			return
		}
		s.sink.Emit(d.ID, protocol.EventMessageChunk, MessageChunkPayload{
			DiscussionID: d.ID,
			Persona:      p,
			Turn:         turn,
			Content:      c.Content,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s round %d: %w", p, roundNum, err)
	}

	msg := &store.Response{
		Persona:   p,
		Content:   resp.Content,
		Turn:      turn,
		Timestamp: time.Now().UnixMilli(),
	}
	if msg.Empty() {
		return nil, fmt.Errorf("%s round %d: provider returned empty response", p, roundNum)
	}
	s.sink.Emit(d.ID, protocol.EventMessageComplete, MessageCompletePayload{
		DiscussionID: d.ID,
		RoundNumber:  roundNum,
		Message:      *msg,
	})
	s.log.Debug("persona response complete",
		"discussion", d.ID, "persona", p, "turn", turn, "chars", len(msg.Content))
	return msg, nil
}

// maybeSummarize installs one summary when the estimate has reached the
// budget, then reloads the discussion. At most one summary per call.
func (s *Scheduler) maybeSummarize(ctx context.Context, d *store.Discussion) (*store.Discussion, error) {
	if !s.summarizer.Needed(d) {
		return d, nil
	}
	s.setState(d.ID, StateSummarizing)

	sum, err := s.summarizer.Summarize(ctx, d)
	if err != nil {
		if errors.Is(err, summarizer.ErrNothingToSummarize) {
			return d, nil
		}
		return nil, err
	}
	if err := s.store.AppendSummary(ctx, d.ID, d.UserID, *sum); err != nil {
		return nil, err
	}
	s.sink.Emit(d.ID, protocol.EventSummaryCreated, SummaryCreatedPayload{
		DiscussionID: d.ID,
		Summary:      *sum,
	})

	fresh, err := s.store.Read(ctx, d.ID, d.UserID)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *Scheduler) emitError(discussionID string, err error) {
	s.sink.Emit(discussionID, protocol.EventError, ErrorPayload{
		DiscussionID: discussionID,
		Code:         ErrorCode(err),
		Message:      err.Error(),
		Suggestion:   Suggestion(err),
	})
}
