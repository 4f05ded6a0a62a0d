package gatestore

import (
	"context"
	"time"
)

// Result reports the outcome of IncrWithCeiling. Value is the counter after
// the call: the incremented value when OK, the unchanged value otherwise.
type Result struct {
	OK    bool
	Value int64
}

// GateStore is the shared key space behind gates and locks. Every method is a
// single atomic operation on the backend; callers never compose a read with a
// write.
type GateStore interface {
	// IncrWithCeiling increments key unless that would exceed ceiling. A
	// successful increment refreshes the key's TTL.
	IncrWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (Result, error)

	// Decr decrements key, flooring at zero. A key reaching zero is deleted.
	Decr(ctx context.Context, key string) (int64, error)

	// IncrFixedWindow increments key and sets ttl only when the key is new,
	// so the count resets once per window.
	IncrFixedWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the counter value. Absent and expired keys read as zero;
	// a key written by SetNX yields ErrNotCounter.
	Get(ctx context.Context, key string) (int64, error)

	// TTL returns the remaining lifetime of key, or zero when it is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetNX stores value under key only if key is absent, reporting whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Sweeper is implemented by stores holding in-process entries that are only
// dropped when touched unless swept.
type Sweeper interface {
	// RunSweeper drops expired entries every interval until ctx is done.
	RunSweeper(ctx context.Context, interval time.Duration)
}

// Pinger is implemented by backends that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

func validate(ceiling int64, ttl time.Duration) error {
	if ceiling < 1 {
		return ErrInvalidCeiling
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
