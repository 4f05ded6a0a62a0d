// Package lock provides a TTL-bounded mutual exclusion primitive keyed by
// caller identity and task kind. There is no re-entrancy: a second Acquire by
// the same identity fails until Release or expiry.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/jobfit/internal/gatestore"
)

// Key returns the lock key for an identity and task kind.
func Key(identity, kind string) string {
	return fmt.Sprintf("lock:%s:%s", identity, kind)
}

// Locker acquires and releases locks in a GateStore.
type Locker struct {
	store gatestore.GateStore
	ttl   time.Duration
}

// New creates a Locker whose locks expire after ttl unless released.
func New(store gatestore.GateStore, ttl time.Duration) *Locker {
	return &Locker{store: store, ttl: ttl}
}

// Acquire reports whether the lock was taken.
func (l *Locker) Acquire(ctx context.Context, identity, kind string) (bool, error) {
	ok, err := l.store.SetNX(ctx, Key(identity, kind), uuid.NewString(), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock. Releasing a lock that is not held is not an error.
func (l *Locker) Release(ctx context.Context, identity, kind string) error {
	if err := l.store.Delete(ctx, Key(identity, kind)); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
