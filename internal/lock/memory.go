package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a process-local Locker with the same semantics as the
// redis implementation, used in tests and single-node deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease)}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if m.tryAcquire(key, token, ttl) {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrLockTimeout
		}

		timer := time.NewTimer(time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.held[key]
	if ok && time.Now().Before(lease.expiresAt) {
		return false
	}
	m.held[key] = memoryLease{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (m *MemoryLocker) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.held[key]; ok && lease.token == token {
		delete(m.held, key)
	}
	return nil
}
