package file

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/internal/tokens"
)

// driftTolerance is the relative token-count divergence beyond which the
// index row is repaired.
const driftTolerance = 0.05

// Reconciler keeps the metadata index consistent with the journals. It runs
// a periodic sweep and additionally reacts to out-of-band journal edits via
// a filesystem watcher. The journal always wins.
type Reconciler struct {
	store    *Store
	index    store.MetadataIndex
	interval time.Duration

	validate   bool // compare journal vs index
	autoRepair bool // repair divergent rows
}

// NewReconciler wires the sweep. validate/autoRepair map to the
// ENABLE_TOKEN_SYNC_VALIDATION / AUTO_REPAIR_TOKEN_SYNC toggles.
func NewReconciler(s *Store, index store.MetadataIndex, interval time.Duration, validate, autoRepair bool) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{store: s, index: index, interval: interval, validate: validate, autoRepair: autoRepair}
}

// Run blocks until ctx is done, sweeping on the interval and on journal
// file events.
func (r *Reconciler) Run(ctx context.Context) {
	if !r.validate {
		slog.Info("token sync validation disabled; reconciler idle")
		<-ctx.Done()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("journal watcher unavailable, periodic sweep only", "error", err)
	} else {
		defer watcher.Close()
		watcher.Add(r.store.root)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Debounce journal writes: our own appends fire events too.
	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ticker.C:
			r.SweepAll(ctx)
		case ev := <-events:
			if ev.Op&fsnotify.Create != 0 {
				// New user directory: watch it for journal writes.
				watcher.Add(ev.Name)
			}
			if strings.HasSuffix(ev.Name, ".json") && !pending {
				pending = true
				debounce.Reset(2 * time.Second)
			}
		case <-debounce.C:
			pending = false
			r.SweepAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepAll reconciles every journal against its index row.
func (r *Reconciler) SweepAll(ctx context.Context) {
	paths, err := filepath.Glob(filepath.Join(r.store.root, "*", "*.json"))
	if err != nil {
		slog.Warn("reconciler glob failed", "error", err)
		return
	}
	repaired := 0
	for _, path := range paths {
		userID := filepath.Base(filepath.Dir(path))
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		if r.reconcileOne(ctx, id, userID) {
			repaired++
		}
	}
	if repaired > 0 {
		slog.Info("reconciliation repaired index rows", "count", repaired)
	}
}

// reconcileOne compares one discussion's journal with its index row and
// repairs drift. Returns true if the row was repaired.
func (r *Reconciler) reconcileOne(ctx context.Context, id, userID string) bool {
	d, err := r.store.Read(ctx, id, userID)
	if err != nil {
		slog.Warn("reconciler read failed", "discussion", id, "error", err)
		return false
	}

	row, err := r.index.Get(ctx, id)
	if err != nil {
		// Missing row: rebuild from the journal.
		if err := r.index.Upsert(ctx, d); err != nil {
			slog.Warn("index rebuild failed", "discussion", id, "error", err)
			return false
		}
		return true
	}

	journalTokens := d.EstimateTokensWith(tokens.Estimate)
	fields := map[string]interface{}{}

	if tokenDrift(journalTokens, row.TokenCount) > driftTolerance {
		fields["token_count"] = journalTokens
	}

	journalSummary := ""
	if d.CurrentSummary != nil {
		journalSummary = d.CurrentSummary.Summary
	}
	if journalSummary != row.Summary {
		fields["summary"] = nullableStr(journalSummary)
	}
	if d.CurrentRound*3 != row.CurrentTurn {
		fields["current_turn"] = d.CurrentRound * 3
	}
	if d.IsResolved != row.IsResolved {
		fields["is_resolved"] = d.IsResolved
	}

	if len(fields) == 0 {
		return false
	}
	if !r.autoRepair {
		slog.Warn("index drift detected (auto-repair disabled)", "discussion", id, "fields", len(fields))
		return false
	}
	fields["updated_at"] = time.Now().UnixMilli()
	if err := r.index.UpdateFields(ctx, id, fields); err != nil {
		slog.Warn("index repair failed", "discussion", id, "error", err)
		return false
	}
	return true
}

func tokenDrift(journal, index int) float64 {
	if journal == 0 {
		if index == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(float64(journal-index)) / float64(journal)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
