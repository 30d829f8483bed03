package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trialogue/internal/assembler"
	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/providers"
	"github.com/nextlevelbuilder/trialogue/internal/questions"
	"github.com/nextlevelbuilder/trialogue/internal/resolution"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/store/file"
	"github.com/nextlevelbuilder/trialogue/internal/summarizer"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// personaProvider answers based on the system prompt: persona turns get
// role-appropriate text, summarizer calls get a recap, question calls get
// JSON. Moderator text is swappable to steer resolution.
type personaProvider struct {
	mu            sync.Mutex
	moderatorText string
	failModels    map[string]bool
	calls         int
}

func (p *personaProvider) Name() string         { return "fake" }
func (p *personaProvider) DefaultModel() string { return "m" }

func (p *personaProvider) ChatStream(_ context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	if p.failModels != nil && p.failModels[req.Model] {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: model %s", providers.ErrModelUnavailable, req.Model)
	}
	mod := p.moderatorText
	p.mu.Unlock()

	system := ""
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
		}
	}
	var out string
	switch {
	case strings.Contains(system, "condense"):
		out = "recap of everything so far"
	case strings.Contains(system, "JSON"):
		out = `[{"prompt":"Which direction?","options":["Deeper","Wider"]},` +
			`{"prompt":"Keep the proposal?","options":["Yes","No","Partly"]}]`
	case strings.Contains(system, "Analyzer"):
		out = "the problem splits into freshness and cost"
	case strings.Contains(system, "Solver"):
		out = "use an LRU with a small admission filter"
	case strings.Contains(system, "Moderator"):
		if mod == "" {
			mod = "A solid start, however an open question remains on sizing."
		}
		out = mod
	default:
		out = "generic"
	}

	if onChunk != nil {
		// Stream in two chunks so chunk events are observable.
		half := len(out) / 2
		onChunk(providers.StreamChunk{Content: out[:half]})
		onChunk(providers.StreamChunk{Content: out[half:]})
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{Content: out}, nil
}

func (p *personaProvider) setModerator(text string) {
	p.mu.Lock()
	p.moderatorText = text
	p.mu.Unlock()
}

type recordedEvent struct {
	DiscussionID string
	Event        string
	Payload      interface{}
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) Emit(discussionID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{discussionID, event, payload})
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

func (r *recordingSink) count(event string) int {
	n := 0
	for _, name := range r.names() {
		if name == event {
			n++
		}
	}
	return n
}

type fixture struct {
	sched    *Scheduler
	store    *file.Store
	provider *personaProvider
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	return newFixtureBudget(t, 0)
}

func newFixtureBudget(t *testing.T, budget int) *fixture {
	t.Helper()
	lockSvc := locks.NewMemoryService()
	t.Cleanup(lockSvc.Close)

	st, err := file.NewStore(t.TempDir(), lockSvc, file.Options{TokenBudget: budget})
	if err != nil {
		t.Fatal(err)
	}
	prov := &personaProvider{}
	sink := &recordingSink{}
	sched := New(Deps{
		Store:      st,
		Locks:      lockSvc,
		Assembler:  assembler.New(nil),
		Provider:   prov,
		Summarizer: summarizer.New(prov, nil),
		Questions:  questions.NewEngine(prov, nil),
		Resolution: resolution.NewDetector(),
		Sink:       sink,
	})
	return &fixture{sched: sched, store: st, provider: prov, sink: sink}
}

func TestStart_HappyPathRound1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "Design a cache eviction policy", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(d.Rounds) != 1 || !d.Rounds[0].Complete() {
		t.Fatalf("round 1 incomplete: %+v", d.Rounds)
	}
	for _, p := range store.Personas {
		resp := d.Rounds[0].Slot(p)
		if resp.Turn != store.TurnNumber(1, p) {
			t.Errorf("%s turn = %d, want %d", p, resp.Turn, store.TurnNumber(1, p))
		}
	}

	names := f.sink.names()
	want := []string{
		protocol.EventDiscussionStarted,
		protocol.EventMessageStart, protocol.EventMessageChunk, protocol.EventMessageChunk, protocol.EventMessageComplete,
		protocol.EventMessageStart, protocol.EventMessageChunk, protocol.EventMessageChunk, protocol.EventMessageComplete,
		protocol.EventMessageStart, protocol.EventMessageChunk, protocol.EventMessageChunk, protocol.EventMessageComplete,
		protocol.EventRoundComplete,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, names[i], want[i], names)
		}
	}

	if st := f.sched.StateOf(d.ID); st != StateAwaitingUserAction {
		t.Errorf("state = %s, want awaiting-user-action", st)
	}
}

func TestStart_SecondActiveDiscussionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sched.Start(ctx, "u1", "first topic", "", nil); err != nil {
		t.Fatal(err)
	}
	_, err := f.sched.Start(ctx, "u1", "second topic", "", nil)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	infos, err := f.store.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("discussions = %d, the failed start must not create one", len(infos))
	}
}

func TestStart_ConcurrentStartsCreateExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two simultaneous starts for the same user race on distinct discussion
	// ids, so the processing lock does not serialize them; the user-scoped
	// lock inside the store must.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.Start(ctx, "u1", "racing topic", "", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicted != 1 {
		t.Fatalf("ok=%d conflicted=%d, want exactly one of each", ok, conflicted)
	}

	infos, err := f.store.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	unresolved := 0
	for _, info := range infos {
		if !info.IsResolved {
			unresolved++
		}
	}
	if unresolved != 1 {
		t.Fatalf("unresolved discussions = %d, want exactly 1", unresolved)
	}
}

func TestStart_ReplayedIDDoesNotRegenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.NewString()

	if _, err := f.sched.Start(ctx, "u1", "topic", id, nil); err != nil {
		t.Fatal(err)
	}
	f.provider.mu.Lock()
	before := f.provider.calls
	f.provider.mu.Unlock()

	// Rebinding to the live discussion's own id is idempotent at the store,
	// but its round 1 already exists: the replay must fail before any
	// provider call instead of generating three responses it cannot append.
	_, err := f.sched.Start(ctx, "u1", "topic", id, nil)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	f.provider.mu.Lock()
	after := f.provider.calls
	f.provider.mu.Unlock()
	if after != before {
		t.Errorf("provider calls went %d -> %d, replay must not regenerate", before, after)
	}

	got, err := f.store.Read(ctx, id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rounds) != 1 {
		t.Errorf("rounds = %d, replayed start must not add a round", len(got.Rounds))
	}
}

func TestProceed_Round2TurnNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := f.sched.Proceed(ctx, "u1", d.ID)
	if err != nil {
		t.Fatal(err)
	}

	if len(d2.Rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(d2.Rounds))
	}
	if turn := d2.Rounds[1].AnalyzerResponse.Turn; turn != 4 {
		t.Errorf("round 2 analyzer turn = %d, want 4", turn)
	}
	if f.sink.count(protocol.EventRoundComplete) != 2 {
		t.Errorf("round-complete events = %d, want 2", f.sink.count(protocol.EventRoundComplete))
	}
}

func TestProceed_ResolvedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.setModerator("We have reached consensus; the proposal is sound.")
	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsResolved {
		t.Fatal("consensus moderator text should resolve the discussion")
	}
	if f.sink.count(protocol.EventConversationResolved) != 1 {
		t.Fatal("missing conversation-resolved event")
	}

	_, err = f.sched.Proceed(ctx, "u1", d.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want conflict on resolved discussion", err)
	}
	got, _ := f.store.Read(ctx, d.ID, "u1")
	if len(got.Rounds) != 1 {
		t.Errorf("rounds = %d, resolved proceed must not add a round", len(got.Rounds))
	}
}

func TestQuestionsThenAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	qs, err := f.sched.GenerateQuestions(ctx, "u1", d.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if qs.RoundNumber != 1 || len(qs.Questions) < 2 {
		t.Fatalf("question set = %+v, want >=2 questions on round 1", qs)
	}
	for _, q := range qs.Questions {
		if len(q.Options) < 2 {
			t.Errorf("question %s has %d options, want >=2", q.ID, len(q.Options))
		}
	}

	answers := map[string][]string{
		qs.Questions[0].ID: {qs.Questions[0].Options[0].ID},
		qs.Questions[1].ID: {qs.Questions[1].Options[0].ID, qs.Questions[1].Options[1].ID},
	}
	if err := f.sched.SubmitAnswers(ctx, "u1", d.ID, 1, answers); err != nil {
		t.Fatal(err)
	}

	// The next round's prompt must surface the selections.
	got, err := f.store.Read(ctx, d.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	prompt, err := assembler.New(nil).Build(got, store.PersonaAnalyzer, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt.User, "## User Input") {
		t.Error("assembled prompt missing the user input block")
	}
	if !strings.Contains(prompt.User, qs.Questions[0].Options[0].Text) {
		t.Error("assembled prompt missing the selected option text")
	}
}

func TestSubmitAnswers_UnknownQuestionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.GenerateQuestions(ctx, "u1", d.ID, 0); err != nil {
		t.Fatal(err)
	}
	err = f.sched.SubmitAnswers(ctx, "u1", d.ID, 1, map[string][]string{"bogus": {"x"}})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if f.sink.count(protocol.EventError) != 1 {
		t.Error("invalid answers should emit an error event")
	}
}

func TestSummarization_FiresOnceAtBudget(t *testing.T) {
	// A tiny budget makes round 1's append cross the threshold.
	f := newFixtureBudget(t, 20)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := f.sink.count(protocol.EventSummaryCreated); n != 1 {
		t.Fatalf("summary-created events = %d, want exactly 1", n)
	}

	got, err := f.store.Read(ctx, d.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSummary == nil {
		t.Fatal("summary event without installed summary")
	}
	last := got.CurrentSummary.ReplacesRounds
	if len(last) == 0 || last[len(last)-1] != got.CurrentSummary.RoundNumber {
		t.Errorf("summary shape wrong: %+v", got.CurrentSummary)
	}
	if got.TokenCount >= got.CurrentSummary.TokenCountBefore {
		t.Error("summary must shrink the running estimate")
	}

	// Prompt for the next round carries the summary and no replaced rounds.
	prompt, err := assembler.New(nil).Build(got, store.PersonaAnalyzer, got.CurrentRound+1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt.User, "recap of everything so far") {
		t.Error("next prompt missing the summary text")
	}
}

func TestConcurrentProceed_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.Proceed(ctx, "u1", d.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyProcessing):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicted != 1 {
		t.Fatalf("ok=%d conflicted=%d, want exactly one of each", ok, conflicted)
	}

	got, _ := f.store.Read(ctx, d.ID, "u1")
	if len(got.Rounds) != 2 {
		t.Errorf("rounds = %d, want exactly 2 (one new round)", len(got.Rounds))
	}
}

func TestProviderFailure_NothingPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.sched.Start(ctx, "u1", "topic", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	f.provider.mu.Lock()
	f.provider.failModels = map[string]bool{"": true}
	f.provider.mu.Unlock()

	_, err = f.sched.Proceed(ctx, "u1", d.ID)
	if err == nil {
		t.Fatal("proceed should surface the provider failure")
	}
	if f.sink.count(protocol.EventError) != 1 {
		t.Error("provider failure should emit one error event")
	}

	got, _ := f.store.Read(ctx, d.ID, "u1")
	if len(got.Rounds) != 1 {
		t.Errorf("rounds = %d, failed round must not persist", len(got.Rounds))
	}

	// Retry succeeds once the provider recovers.
	f.provider.mu.Lock()
	f.provider.failModels = nil
	f.provider.mu.Unlock()
	if _, err := f.sched.Proceed(ctx, "u1", d.ID); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ErrAlreadyProcessing), protocol.ErrCodeAlreadyProcessing},
		{store.ErrInvalid, protocol.ErrCodeInvalid},
		{store.ErrNotFound, protocol.ErrCodeNotFound},
		{store.ErrForbidden, protocol.ErrCodeForbidden},
		{ErrResolved, protocol.ErrCodeConflict},
		{providers.ErrModelUnavailable, protocol.ErrCodeProviderUnavailable},
		{errors.New("anything else"), protocol.ErrCodeInternal},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
