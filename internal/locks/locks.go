// Package locks provides named leased locks with two scopes: short-lived
// file locks guarding journal writes, and longer processing locks guarding
// scheduler steps. The backend is Redis when configured, otherwise an
// in-process map with an expiry sweep.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope distinguishes lock purposes; each carries its own default TTL.
type Scope string

const (
	ScopeFile       Scope = "file"
	ScopeProcessing Scope = "processing"
)

// Default lease durations per scope.
const (
	FileTTL       = 30 * time.Second
	ProcessingTTL = 5 * time.Minute
)

// DefaultTTL returns the lease duration for a scope.
func (s Scope) DefaultTTL() time.Duration {
	if s == ScopeProcessing {
		return ProcessingTTL
	}
	return FileTTL
}

// Key builds the backend key for a lock record.
func Key(scope Scope, userID, discussionID string) string {
	return fmt.Sprintf("lock:%s:%s:%s", scope, userID, discussionID)
}

// Service is the lock acquisition contract shared by all backends.
type Service interface {
	// Acquire attempts an atomic set-if-absent with expiry. Returns the
	// opaque lock id on success, "" if the lock is held elsewhere.
	Acquire(ctx context.Context, scope Scope, userID, discussionID string, ttl time.Duration) (string, error)

	// Release deletes the lock only if lockID matches the stored nonce, so
	// one party never releases another's lock.
	Release(ctx context.Context, scope Scope, userID, discussionID, lockID string) error
}

// pollInterval between acquisition attempts in AcquireWithRetry.
const pollInterval = 100 * time.Millisecond

// AcquireWithRetry polls Acquire until it succeeds or the attempt budget is
// spent. Returns "" when the lock stayed held for all attempts.
func AcquireWithRetry(ctx context.Context, svc Service, scope Scope, userID, discussionID string, ttl time.Duration, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := svc.Acquire(ctx, scope, userID, discussionID, ttl)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", nil
}

// WithLock runs f while holding the lock, releasing it on every exit path.
// Returns ErrHeld if the lock could not be acquired.
func WithLock(ctx context.Context, svc Service, scope Scope, userID, discussionID string, f func(ctx context.Context) error) error {
	lockID, err := svc.Acquire(ctx, scope, userID, discussionID, scope.DefaultTTL())
	if err != nil {
		return err
	}
	if lockID == "" {
		return ErrHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Release(releaseCtx, scope, userID, discussionID, lockID)
	}()
	return f(ctx)
}

// NewLockID generates the opaque nonce stored with each lease.
func NewLockID() string { return uuid.NewString() }
