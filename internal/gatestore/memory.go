package gatestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	count   int64
	value   string
	expires time.Time
}

// MemoryStore is an in-process GateStore. It is only correct for a single
// process, which makes it the default for local runs and the Redis fallback.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a MemoryStore that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     now,
	}
}

var (
	_ GateStore = (*MemoryStore)(nil)
	_ Sweeper   = (*MemoryStore)(nil)
)

// live returns the entry for key, dropping it first if it has expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// IncrWithCeiling implements GateStore.
func (s *MemoryStore) IncrWithCeiling(
	_ context.Context,
	key string,
	ceiling int64,
	ttl time.Duration,
) (Result, error) {
	if err := validate(ceiling, ttl); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	if e.count >= ceiling {
		return Result{OK: false, Value: e.count}, nil
	}
	e.count++
	e.expires = s.now().Add(ttl)
	return Result{OK: true, Value: e.count}, nil
}

// Decr implements GateStore.
func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.count <= 1 {
		delete(s.entries, key)
		return 0, nil
	}
	e.count--
	return e.count, nil
}

// IncrFixedWindow implements GateStore.
func (s *MemoryStore) IncrFixedWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{expires: s.now().Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Get implements GateStore.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil {
		if e.value != "" {
			return 0, fmt.Errorf("get %s: %w", key, ErrNotCounter)
		}
		return e.count, nil
	}
	return 0, nil
}

// TTL implements GateStore.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(s.now()), nil
}

// Delete implements GateStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// SetNX implements GateStore.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	s.entries[key] = &entry{value: value, expires: s.now().Add(ttl)}
	return true, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if s.live(key) == nil {
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
