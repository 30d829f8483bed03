package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by WithLock when the lock is held by another party.
var ErrHeld = errors.New("lock held")

// MemoryService is the in-process fallback backend: a map with per-entry
// expiry and a periodic sweep. Single-node only.
type MemoryService struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	done  chan struct{}
	once  sync.Once
}

type memoryLease struct {
	lockID    string
	expiresAt time.Time
}

// NewMemoryService creates the backend and starts its expiry sweep.
func NewMemoryService() *MemoryService {
	m := &MemoryService{
		locks: make(map[string]memoryLease),
		done:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryService) Acquire(_ context.Context, scope Scope, userID, discussionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = scope.DefaultTTL()
	}
	key := Key(scope, userID, discussionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.locks[key]; ok && time.Now().Before(lease.expiresAt) {
		return "", nil
	}

	lockID := NewLockID()
	m.locks[key] = memoryLease{lockID: lockID, expiresAt: time.Now().Add(ttl)}
	return lockID, nil
}

func (m *MemoryService) Release(_ context.Context, scope Scope, userID, discussionID, lockID string) error {
	key := Key(scope, userID, discussionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.locks[key]; ok && lease.lockID == lockID {
		delete(m.locks, key)
	}
	return nil
}

// Close stops the expiry sweep.
func (m *MemoryService) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *MemoryService) sweep() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, lease := range m.locks {
				if now.After(lease.expiresAt) {
					delete(m.locks, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
