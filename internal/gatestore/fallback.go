package gatestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FallbackStore routes calls to primary and switches to secondary for a
// cool-down period whenever primary reports ErrStoreUnavailable. Counters held
// in the secondary are local to this process, so ceilings degrade to
// per-process ceilings until primary recovers.
type FallbackStore struct {
	primary   GateStore
	secondary GateStore
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	downUntil time.Time
}

// NewFallbackStore creates a FallbackStore.
func NewFallbackStore(primary, secondary GateStore, cooldown time.Duration, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With("component", "gate_store"),
	}
}

var (
	_ GateStore = (*FallbackStore)(nil)
	_ Sweeper   = (*FallbackStore)(nil)
)

// RunSweeper sweeps the secondary every interval until ctx is done. Entries
// written there during an outage would otherwise stay until their key is
// touched again. It returns at once when neither store needs sweeping.
func (s *FallbackStore) RunSweeper(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for _, store := range []GateStore{s.primary, s.secondary} {
		if sw, ok := store.(Sweeper); ok {
			wg.Go(func() { sw.RunSweeper(ctx, interval) })
		}
	}
	wg.Wait()
}

// Degraded reports whether calls are currently served by the secondary.
func (s *FallbackStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.downUntil)
}

func (s *FallbackStore) markDown(op string, err error) {
	s.mu.Lock()
	wasDown := s.now().Before(s.downUntil)
	s.downUntil = s.now().Add(s.cooldown)
	s.mu.Unlock()

	if !wasDown {
		s.logger.Warn("primary gate store unavailable, using in-process fallback",
			"operation", op,
			"cooldown", s.cooldown,
			"error", err)
	}
}

func run[T any](s *FallbackStore, op string, fn func(GateStore) (T, error)) (T, error) {
	if s.Degraded() {
		return fn(s.secondary)
	}
	v, err := fn(s.primary)
	if err != nil && errors.Is(err, ErrStoreUnavailable) {
		s.markDown(op, err)
		return fn(s.secondary)
	}
	return v, err
}

// IncrWithCeiling implements GateStore.
func (s *FallbackStore) IncrWithCeiling(
	ctx context.Context,
	key string,
	ceiling int64,
	ttl time.Duration,
) (Result, error) {
	return run(s, "incr with ceiling", func(g GateStore) (Result, error) {
		return g.IncrWithCeiling(ctx, key, ceiling, ttl)
	})
}

// Decr implements GateStore.
func (s *FallbackStore) Decr(ctx context.Context, key string) (int64, error) {
	return run(s, "decr", func(g GateStore) (int64, error) { return g.Decr(ctx, key) })
}

// IncrFixedWindow implements GateStore.
func (s *FallbackStore) IncrFixedWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return run(s, "incr fixed window", func(g GateStore) (int64, error) {
		return g.IncrFixedWindow(ctx, key, ttl)
	})
}

// Get implements GateStore.
func (s *FallbackStore) Get(ctx context.Context, key string) (int64, error) {
	return run(s, "get", func(g GateStore) (int64, error) { return g.Get(ctx, key) })
}

// TTL implements GateStore.
func (s *FallbackStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return run(s, "ttl", func(g GateStore) (time.Duration, error) { return g.TTL(ctx, key) })
}

// Delete implements GateStore.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	_, err := run(s, "delete", func(g GateStore) (struct{}, error) {
		return struct{}{}, g.Delete(ctx, key)
	})
	return err
}

// SetNX implements GateStore.
func (s *FallbackStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return run(s, "setnx", func(g GateStore) (bool, error) { return g.SetNX(ctx, key, value, ttl) })
}

// New selects the backend for a deployment. A nil client yields a MemoryStore;
// otherwise Redis is primary with an in-process fallback.
func New(client redis.UniversalClient, cooldown time.Duration, logger *slog.Logger) GateStore {
	if client == nil {
		logger.Info("no redis configured, gate store is in-process only")
		return NewMemoryStore()
	}
	return NewFallbackStore(NewRedisStore(client), NewMemoryStore(), cooldown, logger)
}
