package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	svc := NewMemoryLocks(t)
	s, err := NewStore(t.TempDir(), svc, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func NewMemoryLocks(t *testing.T) *locks.MemoryService {
	t.Helper()
	svc := locks.NewMemoryService()
	t.Cleanup(svc.Close)
	return svc
}

func completeRound(n int) store.Round {
	now := time.Now().UnixMilli()
	r := store.Round{RoundNumber: n, Timestamp: now}
	for _, p := range store.Personas {
		r.SetSlot(&store.Response{
			Persona:   p,
			Content:   "response from " + string(p),
			Turn:      store.TurnNumber(n, p),
			Timestamp: now,
		})
	}
	return r
}

func TestCreateRead_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := s.Create(ctx, "u1", "design a cache eviction policy", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(d.ID); err != nil {
		t.Errorf("id %q is not a canonical UUID", d.ID)
	}

	got, err := s.Read(ctx, d.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Topic != d.Topic || got.UserID != "u1" {
		t.Errorf("read back mismatch: %+v", got)
	}

	// Both sibling files exist and the JSON parses.
	if _, err := os.Stat(s.journalPath("u1", d.ID)); err != nil {
		t.Errorf("journal missing: %v", err)
	}
	if _, err := os.Stat(s.docPath("u1", d.ID)); err != nil {
		t.Errorf("document missing: %v", err)
	}
	data, _ := os.ReadFile(s.journalPath("u1", d.ID))
	var parsed store.Discussion
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Errorf("journal does not parse: %v", err)
	}
}

func TestCreate_IdempotentRebinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	first, err := s.Create(ctx, "u1", "topic", id, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Create(ctx, "u1", "different topic", id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Topic != first.Topic {
		t.Error("second create with same id should rebind, not overwrite")
	}
}

func TestRead_Ownership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, _ := s.Create(ctx, "u1", "topic", "", nil)

	if _, err := s.Read(ctx, d.ID, "u2"); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("cross-user read err = %v, want ErrForbidden", err)
	}
	if _, err := s.Read(ctx, uuid.NewString(), "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing read err = %v, want ErrNotFound", err)
	}
}

func TestAppendRound_Contiguity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)

	if err := s.AppendRound(ctx, d.ID, "u1", completeRound(1)); err != nil {
		t.Fatal(err)
	}
	// Gap must be rejected.
	if err := s.AppendRound(ctx, d.ID, "u1", completeRound(3)); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("gapped round err = %v, want ErrInvalid", err)
	}
	// Duplicate must be rejected.
	if err := s.AppendRound(ctx, d.ID, "u1", completeRound(1)); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("duplicate round err = %v, want ErrInvalid", err)
	}
	if err := s.AppendRound(ctx, d.ID, "u1", completeRound(2)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Read(ctx, d.ID, "u1")
	if got.CurrentRound != 2 || len(got.Rounds) != 2 {
		t.Errorf("currentRound = %d, rounds = %d; want 2, 2", got.CurrentRound, len(got.Rounds))
	}
	for i, r := range got.Rounds {
		if r.RoundNumber != i+1 {
			t.Errorf("rounds[%d].RoundNumber = %d, want %d", i, r.RoundNumber, i+1)
		}
	}
}

func TestTurnNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)
	s.AppendRound(ctx, d.ID, "u1", completeRound(1))
	s.AppendRound(ctx, d.ID, "u1", completeRound(2))

	got, _ := s.Read(ctx, d.ID, "u1")
	if turn := got.Rounds[1].AnalyzerResponse.Turn; turn != 4 {
		t.Errorf("round 2 analyzer turn = %d, want 4", turn)
	}
	if turn := got.Rounds[1].ModeratorResponse.Turn; turn != 6 {
		t.Errorf("round 2 moderator turn = %d, want 6", turn)
	}
}

func TestRead_RepairsTurnDrift(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)

	r := completeRound(1)
	r.SolverResponse.Turn = 99 // simulate an older writer's drift
	s.AppendRound(ctx, d.ID, "u1", r)

	got, _ := s.Read(ctx, d.ID, "u1")
	if turn := got.Rounds[0].SolverResponse.Turn; turn != 2 {
		t.Errorf("hydrated solver turn = %d, want 2 after repair", turn)
	}
}

func TestAppendSummary_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)
	for i := 1; i <= 4; i++ {
		s.AppendRound(ctx, d.ID, "u1", completeRound(i))
	}

	first := store.Summary{RoundNumber: 2, ReplacesRounds: []int{1, 2}, Summary: "first recap"}
	if err := s.AppendSummary(ctx, d.ID, "u1", first); err != nil {
		t.Fatal(err)
	}

	// Overlapping replaces_rounds must be rejected.
	overlap := store.Summary{RoundNumber: 4, ReplacesRounds: []int{2, 3, 4}, Summary: "bad"}
	if err := s.AppendSummary(ctx, d.ID, "u1", overlap); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("overlapping summary err = %v, want ErrInvalid", err)
	}

	// Non-monotonic round number must be rejected.
	stale := store.Summary{RoundNumber: 2, ReplacesRounds: []int{3}, Summary: "bad"}
	if err := s.AppendSummary(ctx, d.ID, "u1", stale); !errors.Is(err, store.ErrInvalid) {
		t.Errorf("stale summary err = %v, want ErrInvalid", err)
	}

	second := store.Summary{RoundNumber: 4, ReplacesRounds: []int{3, 4}, Summary: "second recap"}
	if err := s.AppendSummary(ctx, d.ID, "u1", second); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Read(ctx, d.ID, "u1")
	if got.CurrentSummary == nil || got.CurrentSummary.RoundNumber != 4 {
		t.Errorf("currentSummary = %+v, want round 4", got.CurrentSummary)
	}
	if len(got.Summaries) != 2 {
		t.Errorf("summaries = %d, want 2", len(got.Summaries))
	}
}

func TestQuestionsAndAnswers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)
	s.AppendRound(ctx, d.ID, "u1", completeRound(1))

	qs := store.QuestionSet{
		RoundNumber: 1,
		Questions: []store.Question{
			{ID: "q1", Prompt: "Which direction?", Options: []store.Option{{ID: "a", Text: "left"}, {ID: "b", Text: "right"}}},
			{ID: "q2", Prompt: "Which concerns?", Options: []store.Option{{ID: "c", Text: "speed"}, {ID: "d", Text: "memory"}}},
		},
	}
	if err := s.AppendQuestions(ctx, d.ID, "u1", qs); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Read(ctx, d.ID, "u1")
	if got.Rounds[0].Questions == nil {
		t.Fatal("question set should attach to its round")
	}

	t.Run("unknown question id fails", func(t *testing.T) {
		err := s.RecordAnswers(ctx, d.ID, "u1", 1, map[string][]string{"nope": {"a"}})
		if !errors.Is(err, store.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	})

	t.Run("unknown option id fails", func(t *testing.T) {
		err := s.RecordAnswers(ctx, d.ID, "u1", 1, map[string][]string{"q1": {"zzz"}})
		if !errors.Is(err, store.ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	})

	t.Run("valid multi-select records", func(t *testing.T) {
		err := s.RecordAnswers(ctx, d.ID, "u1", 1, map[string][]string{"q1": {"a"}, "q2": {"c", "d"}})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := s.Read(ctx, d.ID, "u1")
		q2 := got.QuestionSetForRound(1).Questions[1]
		if len(q2.Selected) != 2 {
			t.Errorf("q2 selections = %v, want two options", q2.Selected)
		}
	})
}

func TestEnsureSoleActive(t *testing.T) {
	svc := NewMemoryLocks(t)
	s, err := NewStore(t.TempDir(), svc, Options{StaleThreshold: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	stale, _ := s.Create(ctx, "u1", "old topic", "", nil)
	time.Sleep(80 * time.Millisecond)
	fresh, _ := s.Create(ctx, "u1", "new topic", "", nil)

	active, err := s.EnsureSoleActive(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != fresh.ID {
		t.Fatalf("active = %+v, want fresh discussion %s", active, fresh.ID)
	}

	old, _ := s.Read(ctx, stale.ID, "u1")
	if !old.IsResolved {
		t.Error("stale discussion should have been force-resolved")
	}
}

func TestCreateActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("conflicts with the existing active discussion", func(t *testing.T) {
		first, err := s.CreateActive(ctx, "u1", "first topic", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = s.CreateActive(ctx, "u1", "second topic", "", nil)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}

		same, err := s.CreateActive(ctx, "u1", "first topic", first.ID, nil)
		if err != nil {
			t.Fatalf("rebinding to the active id should be idempotent: %v", err)
		}
		if same.ID != first.ID {
			t.Errorf("rebind returned %s, want %s", same.ID, first.ID)
		}
	})

	t.Run("concurrent creates admit exactly one", func(t *testing.T) {
		type result struct {
			d   *store.Discussion
			err error
		}
		results := make(chan result, 2)
		for i := 0; i < 2; i++ {
			go func() {
				d, err := s.CreateActive(ctx, "u2", "racing topic", "", nil)
				results <- result{d, err}
			}()
		}

		var ok, conflicted int
		for i := 0; i < 2; i++ {
			r := <-results
			switch {
			case r.err == nil:
				ok++
			case errors.Is(r.err, store.ErrConflict):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", r.err)
			}
		}
		if ok != 1 || conflicted != 1 {
			t.Fatalf("ok=%d conflicted=%d, want exactly one winner", ok, conflicted)
		}

		infos, err := s.ListByUser(ctx, "u2", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(infos) != 1 {
			t.Errorf("discussions on disk = %d, want 1", len(infos))
		}
	})
}

func TestDeleteAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)

	if err := s.DeleteAll(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, d.ID, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("read after delete err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(s.userDir("u1")); !os.IsNotExist(err) {
		t.Error("user directory should be removed")
	}
}

func TestRenderMarkdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "cache eviction", "", nil)
	s.AppendRound(ctx, d.ID, "u1", completeRound(1))

	doc, err := os.ReadFile(s.docPath("u1", d.ID))
	if err != nil {
		t.Fatal(err)
	}
	text := string(doc)
	for _, want := range []string{"# Discussion: cache eviction", "## Round 1", "### Analyzer", "### Solver", "### Moderator"} {
		if !strings.Contains(text, want) {
			t.Errorf("document missing %q", want)
		}
	}
}

func TestWriteJournal_CleansTempsOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d, _ := s.Create(ctx, "u1", "topic", "", nil)

	// No stray temp files after successful writes.
	s.AppendRound(ctx, d.ID, "u1", completeRound(1))
	entries, _ := os.ReadDir(s.userDir("u1"))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("stray temp file %s", e.Name())
		}
	}
}
