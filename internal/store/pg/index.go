package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

// Index is the Postgres-backed MetadataIndex for managed deployments. It
// shares the sqlite index's schema and semantics; only placeholders and the
// upsert syntax differ.
type Index struct {
	db *sql.DB
}

func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Close is a no-op: the *sql.DB is shared with the identity store and owned
// by the caller that opened it.
func (x *Index) Close() error { return nil }

// EnsureSchema creates the discussions table if missing. Managed deployments
// usually provision the schema out of band; this keeps single-node setups
// working without a migration step.
func (x *Index) EnsureSchema(ctx context.Context) error {
	_, err := x.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS discussions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			topic              TEXT NOT NULL,
			file_path          TEXT NOT NULL,
			doc_path           TEXT NOT NULL,
			token_count        INTEGER NOT NULL DEFAULT 0,
			token_limit        INTEGER NOT NULL DEFAULT 0,
			summary            TEXT,
			summary_created_at BIGINT,
			created_at         BIGINT NOT NULL,
			updated_at         BIGINT NOT NULL,
			is_resolved        BOOLEAN NOT NULL DEFAULT FALSE,
			needs_user_input   BOOLEAN NOT NULL DEFAULT FALSE,
			user_input_pending BOOLEAN NOT NULL DEFAULT FALSE,
			current_turn       INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_discussions_user_updated
			ON discussions (user_id, updated_at DESC)`)
	if err != nil {
		return fmt.Errorf("ensure discussions schema: %w", err)
	}
	return nil
}

// updatableFields mirrors the sqlite whitelist.
var updatableFields = map[string]bool{
	"topic":              true,
	"token_count":        true,
	"token_limit":        true,
	"summary":            true,
	"summary_created_at": true,
	"updated_at":         true,
	"is_resolved":        true,
	"needs_user_input":   true,
	"user_input_pending": true,
	"current_turn":       true,
}

// Upsert writes the full row derived from the journal state.
func (x *Index) Upsert(ctx context.Context, d *store.Discussion) error {
	summary := ""
	var summaryAt int64
	if d.CurrentSummary != nil {
		summary = d.CurrentSummary.Summary
		summaryAt = d.CurrentSummary.CreatedAt
	}
	currentTurn := d.CurrentRound * 3

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO discussions (
			id, user_id, topic, file_path, doc_path, token_count, token_limit,
			summary, summary_created_at, created_at, updated_at,
			is_resolved, needs_user_input, user_input_pending, current_turn
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			topic = excluded.topic,
			token_count = excluded.token_count,
			token_limit = excluded.token_limit,
			summary = excluded.summary,
			summary_created_at = excluded.summary_created_at,
			updated_at = excluded.updated_at,
			is_resolved = excluded.is_resolved,
			current_turn = excluded.current_turn`,
		d.ID, d.UserID, d.Topic, d.ID+".json", d.ID+".md", d.TokenCount, d.TokenBudget,
		nullable(summary), nullableInt(summaryAt), d.CreatedAt, d.UpdatedAt,
		d.IsResolved, false, false, currentTurn)
	if err != nil {
		return fmt.Errorf("upsert discussion: %w", err)
	}
	return nil
}

// UpdateFields applies a partial update restricted to the whitelist.
func (x *Index) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !updatableFields[name] {
			return fmt.Errorf("%w: field %q is not updatable", store.ErrInvalid, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sets []string
	var args []interface{}
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	args = append(args, id)

	res, err := x.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE discussions SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update discussion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const rowColumns = `id, user_id, topic, file_path, doc_path, token_count, token_limit,
	COALESCE(summary, ''), COALESCE(summary_created_at, 0), created_at, updated_at,
	is_resolved, needs_user_input, user_input_pending, current_turn`

func scanRow(scan func(...interface{}) error) (*store.IndexRow, error) {
	var row store.IndexRow
	err := scan(&row.ID, &row.UserID, &row.Topic, &row.FilePath, &row.DocPath,
		&row.TokenCount, &row.TokenLimit, &row.Summary, &row.SummaryCreatedAt,
		&row.CreatedAt, &row.UpdatedAt, &row.IsResolved, &row.NeedsUserInput,
		&row.UserInputPending, &row.CurrentTurn)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Get returns one index row.
func (x *Index) Get(ctx context.Context, id string) (*store.IndexRow, error) {
	row, err := scanRow(x.db.QueryRowContext(ctx,
		"SELECT "+rowColumns+" FROM discussions WHERE id = $1", id).Scan)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get discussion: %w", err)
	}
	return row, nil
}

// ListByUser returns up to limit rows, newest first.
func (x *Index) ListByUser(ctx context.Context, userID string, limit int) ([]store.IndexRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := x.db.QueryContext(ctx,
		"SELECT "+rowColumns+" FROM discussions WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	defer rows.Close()

	var out []store.IndexRow
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan discussion: %w", err)
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// Delete removes a row.
func (x *Index) Delete(ctx context.Context, id string) error {
	_, err := x.db.ExecContext(ctx, "DELETE FROM discussions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete discussion: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
