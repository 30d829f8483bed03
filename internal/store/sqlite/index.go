// Package sqlite implements the discussion metadata index on an embedded
// SQLite database. The index is a reconcilable derivative of the journal:
// rows may drift and are repaired by the reconciler; the journal wins.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// updatableFields is the whitelist for UpdateFields. Writes outside this set
// are rejected as a security violation.
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

// Index is the SQLite-backed MetadataIndex.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database and applies migrations.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(path); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Migrate applies all pending schema migrations to the database at path.
func Migrate(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (x *Index) Close() error { return x.db.Close() }

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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
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
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, fields[name])
	}
	args = append(args, id)

	res, err := x.db.ExecContext(ctx,
		"UPDATE discussions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
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
		"SELECT "+rowColumns+" FROM discussions WHERE id = ?", id).Scan)
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
		"SELECT "+rowColumns+" FROM discussions WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?",
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
	_, err := x.db.ExecContext(ctx, "DELETE FROM discussions WHERE id = ?", id)
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
