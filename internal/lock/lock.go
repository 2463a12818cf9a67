// Package lock provides the scoped reservation lock used by the booking
// coordinator. Keys are scoped to (resource, time-bucket) by the caller so
// non-overlapping reservations never contend.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// caller's wait budget. It is retryable: callers should back off and retry
// rather than treat it as a rejection.
var ErrLockTimeout = errors.New("lock acquisition timed out")

type Locker interface {
	// Acquire blocks until the lock is held or wait elapses, returning a
	// fencing token that must be presented to Release. The lock expires
	// on its own after ttl if the holder dies.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (string, error)
	// Release frees the lock if token still owns it. Releasing an
	// expired or stolen lock is a no-op.
	Release(ctx context.Context, key, token string) error
}
