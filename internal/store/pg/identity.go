// Package pg provides Postgres-backed stores for managed deployments: the
// identity store consumed for ownership checks, and an alternative metadata
// index sharing the sqlite schema.
package pg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/trialogue/internal/store"
)

// OpenDB opens a Postgres pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// User is the identity record. Ownership comparisons use ID.
type User struct {
	ID         string
	Email      string
	Name       string
	Image      string
	Provider   string
	ProviderID string
	CreatedAt  int64
	UpdatedAt  int64
}

// IdentityStore reads users from the external identity schema.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

const userColumns = `id, email, COALESCE(name, ''), COALESCE(image, ''),
	provider, provider_id, created_at, updated_at`

func (s *IdentityStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &u.Provider, &u.ProviderID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// GetUserByID looks up a user by primary id.
func (s *IdentityStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// VerifyUser confirms the user exists. The gateway's connect check uses this
// in managed mode.
func (s *IdentityStore) VerifyUser(ctx context.Context, id string) error {
	_, err := s.GetUserByID(ctx, id)
	if err == store.ErrNotFound {
		return fmt.Errorf("%w: unknown user %q", store.ErrForbidden, id)
	}
	return err
}

// GetUserByEmail looks up a user by email.
func (s *IdentityStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}
