// Package file implements the journal-backed DiscussionStore. Each
// discussion is two sibling files in a per-user directory: a structured JSON
// journal (source of truth) and a rendered markdown document. Writes are
// atomic across both files and guarded by the file lock.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trialogue/internal/locks"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/tokens"
)

// StaleThreshold is how long an unresolved discussion may sit untouched
// before an ownership check force-resolves it.
const StaleThreshold = time.Hour

// Store is the file-backed DiscussionStore.
type Store struct {
	root     string
	locks    locks.Service
	index    store.MetadataIndex // nil = journal only
	retryCfg store.RetryConfig
	budget   int
	stale    time.Duration
}

// Options configures a Store beyond its defaults.
type Options struct {
	Index          store.MetadataIndex
	Retry          store.RetryConfig
	TokenBudget    int
	StaleThreshold time.Duration
}

// NewStore creates the journal store rooted at dir.
func NewStore(dir string, lockSvc locks.Service, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create discussions dir: %w", err)
	}
	s := &Store{
		root:     dir,
		locks:    lockSvc,
		index:    opts.Index,
		retryCfg: opts.Retry,
		budget:   opts.TokenBudget,
		stale:    opts.StaleThreshold,
	}
	if s.retryCfg.MaxAttempts <= 0 {
		s.retryCfg = store.DefaultRetryConfig()
	}
	if s.budget <= 0 {
		s.budget = tokens.DefaultBudget
	}
	if s.stale <= 0 {
		s.stale = StaleThreshold
	}
	return s, nil
}

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.root, sanitize(userID))
}

func (s *Store) journalPath(userID, id string) string {
	return filepath.Join(s.userDir(userID), id+".json")
}

func (s *Store) docPath(userID, id string) string {
	return filepath.Join(s.userDir(userID), id+".md")
}

func sanitize(part string) string {
	out := make([]rune, 0, len(part))
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Create produces a new journal and index row. A caller-supplied id that
// already exists and is owned by userID rebinds idempotently.
func (s *Store) Create(ctx context.Context, userID, topic, id string, files []store.FileRef) (*store.Discussion, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: discussion id must be a UUID", store.ErrInvalid)
	}

	if existing, err := s.Read(ctx, id, userID); err == nil {
		return existing, nil
	}

	now := time.Now().UnixMilli()
	d := &store.Discussion{
		ID:          id,
		Topic:       topic,
		UserID:      userID,
		Rounds:      []store.Round{},
		Summaries:   []store.Summary{},
		Questions:   []store.QuestionSet{},
		Files:       files,
		TokenBudget: s.budget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.TokenCount = d.EstimateTokensWith(tokens.Estimate)

	if err := os.MkdirAll(s.userDir(userID), 0o755); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}

	err := locks.WithLock(ctx, s.locks, locks.ScopeFile, userID, id, func(ctx context.Context) error {
		return store.WithRetry(ctx, s.retryCfg, "create", func() error {
			return s.writeJournal(d)
		})
	})
	if err != nil {
		return nil, err
	}

	s.syncIndex(ctx, d)
	return d, nil
}

// Read loads and hydrates a discussion, repairing turn drift before use.
func (s *Store) Read(ctx context.Context, id, userID string) (*store.Discussion, error) {
	path := s.journalPath(userID, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Ownership mismatch and absence are indistinguishable on the
			// happy path; scan other user dirs to report Forbidden.
			if s.ownedElsewhere(id, userID) {
				return nil, store.ErrForbidden
			}
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var d store.Discussion
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse journal %s: %w", id, err)
	}
	if d.UserID != userID {
		return nil, store.ErrForbidden
	}

	if fixed := d.RepairTurns(); fixed > 0 {
		slog.Warn("journal turn drift repaired", "discussion", id, "fixed", fixed)
	}
	return &d, nil
}

func (s *Store) ownedElsewhere(id, userID string) bool {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == sanitize(userID) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), id+".json")); err == nil {
			return true
		}
	}
	return false
}

// mutate runs fn against the current journal state under the file lock and
// persists the result atomically.
func (s *Store) mutate(ctx context.Context, id, userID string, fn func(*store.Discussion) error) (*store.Discussion, error) {
	var out *store.Discussion
	err := locks.WithLock(ctx, s.locks, locks.ScopeFile, userID, id, func(ctx context.Context) error {
		d, err := s.Read(ctx, id, userID)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		d.UpdatedAt = time.Now().UnixMilli()
		d.TokenCount = d.EstimateTokensWith(tokens.Estimate)
		if err := store.WithRetry(ctx, s.retryCfg, "write", func() error {
			return s.writeJournal(d)
		}); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.syncIndex(ctx, out)
	return out, nil
}

// AppendRound writes a round with contiguous numbering.
func (s *Store) AppendRound(ctx context.Context, id, userID string, round store.Round) error {
	_, err := s.mutate(ctx, id, userID, func(d *store.Discussion) error {
		want := len(d.Rounds) + 1
		if round.RoundNumber != want {
			return fmt.Errorf("%w: round number %d, expected %d", store.ErrInvalid, round.RoundNumber, want)
		}
		if round.Timestamp == 0 {
			round.Timestamp = time.Now().UnixMilli()
		}
		d.Rounds = append(d.Rounds, round)
		d.CurrentRound = round.RoundNumber
		return nil
	})
	return err
}

// AppendSummary installs a summary; summaries chain in round order and their
// replaced rounds never overlap.
func (s *Store) AppendSummary(ctx context.Context, id, userID string, summary store.Summary) error {
	_, err := s.mutate(ctx, id, userID, func(d *store.Discussion) error {
		if len(d.Summaries) > 0 {
			prev := d.Summaries[len(d.Summaries)-1]
			if summary.RoundNumber <= prev.RoundNumber {
				return fmt.Errorf("%w: summary round %d not after %d", store.ErrInvalid, summary.RoundNumber, prev.RoundNumber)
			}
			for _, r := range summary.ReplacesRounds {
				if r <= prev.RoundNumber {
					return fmt.Errorf("%w: summary replaces round %d already subsumed", store.ErrInvalid, r)
				}
			}
		}
		for _, r := range summary.ReplacesRounds {
			if r > summary.RoundNumber {
				return fmt.Errorf("%w: summary cannot replace future round %d", store.ErrInvalid, r)
			}
		}
		if summary.CreatedAt == 0 {
			summary.CreatedAt = time.Now().UnixMilli()
		}
		d.Summaries = append(d.Summaries, summary)
		d.CurrentSummary = &d.Summaries[len(d.Summaries)-1]
		return nil
	})
	return err
}

// AppendQuestions stores a question set and attaches it to its round.
func (s *Store) AppendQuestions(ctx context.Context, id, userID string, qs store.QuestionSet) error {
	_, err := s.mutate(ctx, id, userID, func(d *store.Discussion) error {
		if len(qs.Questions) == 0 {
			return fmt.Errorf("%w: question set is empty", store.ErrInvalid)
		}
		if qs.CreatedAt == 0 {
			qs.CreatedAt = time.Now().UnixMilli()
		}
		d.Questions = append(d.Questions, qs)
		if r := d.RoundByNumber(qs.RoundNumber); r != nil {
			attached := d.Questions[len(d.Questions)-1]
			r.Questions = &attached
		}
		return nil
	})
	return err
}

// RecordAnswers validates each answer key against the round's question ids.
func (s *Store) RecordAnswers(ctx context.Context, id, userID string, roundNumber int, answers map[string][]string) error {
	_, err := s.mutate(ctx, id, userID, func(d *store.Discussion) error {
		qs := d.QuestionSetForRound(roundNumber)
		if qs == nil {
			return fmt.Errorf("%w: no questions for round %d", store.ErrInvalid, roundNumber)
		}

		known := make(map[string]*store.Question, len(qs.Questions))
		for i := range qs.Questions {
			known[qs.Questions[i].ID] = &qs.Questions[i]
		}
		for qid, selections := range answers {
			q, ok := known[qid]
			if !ok {
				return fmt.Errorf("%w: unknown question id %q", store.ErrInvalid, qid)
			}
			valid := make(map[string]bool, len(q.Options))
			for _, o := range q.Options {
				valid[o.ID] = true
			}
			for _, sel := range selections {
				if !valid[sel] {
					return fmt.Errorf("%w: unknown option %q for question %q", store.ErrInvalid, sel, qid)
				}
			}
			q.Selected = selections
		}

		// Mirror selections onto the round's attached copy.
		if r := d.RoundByNumber(roundNumber); r != nil {
			r.Questions = qs
		}
		return nil
	})
	return err
}

// MarkResolved flags the discussion resolved.
func (s *Store) MarkResolved(ctx context.Context, id, userID string) error {
	_, err := s.mutate(ctx, id, userID, func(d *store.Discussion) error {
		d.IsResolved = true
		return nil
	})
	return err
}

// ListByUser returns up to limit discussions, newest first. The index is
// consulted when present; otherwise the user directory is scanned.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]store.DiscussionInfo, error) {
	if limit <= 0 {
		limit = 20
	}

	if s.index != nil {
		rows, err := s.index.ListByUser(ctx, userID, limit)
		if err == nil {
			infos := make([]store.DiscussionInfo, len(rows))
			for i, row := range rows {
				infos[i] = store.DiscussionInfo{
					ID:           row.ID,
					Topic:        row.Topic,
					CurrentRound: row.CurrentTurn / 3,
					IsResolved:   row.IsResolved,
					TokenCount:   row.TokenCount,
					CreatedAt:    row.CreatedAt,
					UpdatedAt:    row.UpdatedAt,
				}
			}
			return infos, nil
		}
		slog.Warn("index list failed, scanning journals", "error", err)
	}

	var infos []store.DiscussionInfo
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		d, err := s.Read(ctx, id, userID)
		if err != nil {
			continue
		}
		infos = append(infos, store.DiscussionInfo{
			ID:           d.ID,
			Topic:        d.Topic,
			CurrentRound: d.CurrentRound,
			IsResolved:   d.IsResolved,
			TokenCount:   d.TokenCount,
			CreatedAt:    d.CreatedAt,
			UpdatedAt:    d.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt > infos[j].UpdatedAt })
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// DeleteAll removes every discussion owned by userID.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	infos, err := s.ListByUser(ctx, userID, 1<<20)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if s.index != nil {
			if err := s.index.Delete(ctx, info.ID); err != nil {
				slog.Warn("index delete failed", "discussion", info.ID, "error", err)
			}
		}
	}
	if err := os.RemoveAll(s.userDir(userID)); err != nil {
		return fmt.Errorf("delete user dir: %w", err)
	}
	return nil
}

// EnsureSoleActive enforces the one-active-discussion invariant under the
// user-scoped file lock. Stale unresolved discussions are force-resolved.
func (s *Store) EnsureSoleActive(ctx context.Context, userID string) (*store.Discussion, error) {
	var active *store.Discussion
	err := locks.WithLock(ctx, s.locks, locks.ScopeFile, userID, "", func(ctx context.Context) error {
		var err error
		active, err = s.soleActiveLocked(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// soleActiveLocked runs the ownership scan while the caller holds the
// user-scoped lock: force-resolves stale unresolved discussions, returns the
// single remaining active one (or nil).
func (s *Store) soleActiveLocked(ctx context.Context, userID string) (*store.Discussion, error) {
	infos, err := s.ListByUser(ctx, userID, 1<<20)
	if err != nil {
		return nil, err
	}
	var active *store.Discussion
	cutoff := time.Now().Add(-s.stale).UnixMilli()
	for _, info := range infos {
		if info.IsResolved {
			continue
		}
		if info.UpdatedAt < cutoff {
			slog.Info("force-resolving stale discussion", "discussion", info.ID, "user", userID)
			if err := s.markResolvedLocked(ctx, info.ID, userID); err != nil {
				return nil, err
			}
			continue
		}
		d, err := s.Read(ctx, info.ID, userID)
		if err != nil {
			return nil, err
		}
		active = d
	}
	return active, nil
}

// CreateActive enforces the sole-active invariant and creates the discussion
// under one hold of the user-scoped lock, so two concurrent starts can never
// both observe a clear slate. Rebinding to the caller-supplied id of the
// existing active discussion is idempotent; any other active discussion is a
// conflict.
func (s *Store) CreateActive(ctx context.Context, userID, topic, id string, files []store.FileRef) (*store.Discussion, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: discussion id must be a UUID", store.ErrInvalid)
	}

	var out *store.Discussion
	err := locks.WithLock(ctx, s.locks, locks.ScopeFile, userID, "", func(ctx context.Context) error {
		active, err := s.soleActiveLocked(ctx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			if active.ID == id {
				out = active
				return nil
			}
			return fmt.Errorf("%w: active discussion %s exists", store.ErrConflict, active.ID)
		}

		now := time.Now().UnixMilli()
		d := &store.Discussion{
			ID:          id,
			Topic:       topic,
			UserID:      userID,
			Rounds:      []store.Round{},
			Summaries:   []store.Summary{},
			Questions:   []store.QuestionSet{},
			Files:       files,
			TokenBudget: s.budget,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		d.TokenCount = d.EstimateTokensWith(tokens.Estimate)

		if err := os.MkdirAll(s.userDir(userID), 0o755); err != nil {
			return fmt.Errorf("create user dir: %w", err)
		}
		// The user-scoped lock already serializes creation and the id is
		// unknown to any other writer, so the per-discussion lock is skipped
		// (same reasoning as markResolvedLocked).
		if err := store.WithRetry(ctx, s.retryCfg, "create", func() error {
			return s.writeJournal(d)
		}); err != nil {
			return err
		}
		s.syncIndex(ctx, d)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// markResolvedLocked updates a journal while the caller already holds the
// user-scoped lock; it bypasses the per-discussion file lock to avoid
// self-deadlock with coarse backends.
func (s *Store) markResolvedLocked(ctx context.Context, id, userID string) error {
	d, err := s.Read(ctx, id, userID)
	if err != nil {
		return err
	}
	d.IsResolved = true
	d.UpdatedAt = time.Now().UnixMilli()
	if err := store.WithRetry(ctx, s.retryCfg, "resolve", func() error {
		return s.writeJournal(d)
	}); err != nil {
		return err
	}
	s.syncIndex(ctx, d)
	return nil
}

func (s *Store) syncIndex(ctx context.Context, d *store.Discussion) {
	if s.index == nil || d == nil {
		return
	}
	if err := s.index.Upsert(ctx, d); err != nil {
		slog.Warn("metadata index sync failed", "discussion", d.ID, "error", err)
	}
}
