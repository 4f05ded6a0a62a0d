// Package gate implements admission control over a gatestore.GateStore: the
// model and user concurrency gates, the queue backpressure gate and a per-user
// request throttle.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/gatestore"
	"github.com/phrazzld/jobfit/internal/routing"
)

// ErrUnknownKind is returned for a user gate kind other than stream or batch.
var ErrUnknownKind = errors.New("unknown task kind")

// Admission is the result of entering a gate. Pending is the counter value
// after the attempt and Remaining the headroom left under the ceiling.
type Admission struct {
	OK        bool
	Pending   int64
	Remaining int64
}

// Gate is a counter with a ceiling. Enter never blocks or queues: at the
// ceiling it fails closed and the caller decides whether to retry.
type Gate struct {
	store gatestore.GateStore
}

// NewGate creates a Gate over store.
func NewGate(store gatestore.GateStore) Gate {
	return Gate{store: store}
}

// Enter takes one slot under key. The TTL is refreshed on success, so a holder
// that never calls Exit is forgotten once ttl passes.
func (g Gate) Enter(ctx context.Context, key string, ceiling int64, ttl time.Duration) (Admission, error) {
	res, err := g.store.IncrWithCeiling(ctx, key, ceiling, ttl)
	if err != nil {
		return Admission{}, fmt.Errorf("enter %s: %w", key, err)
	}
	return Admission{
		OK:        res.OK,
		Pending:   res.Value,
		Remaining: max(ceiling-res.Value, 0),
	}, nil
}

// Exit gives back one slot under key.
func (g Gate) Exit(ctx context.Context, key string) error {
	if _, err := g.store.Decr(ctx, key); err != nil {
		return fmt.Errorf("exit %s: %w", key, err)
	}
	return nil
}

// Gates binds the configured ceilings to the key namespaces.
type Gates struct {
	gate  Gate
	store gatestore.GateStore
	cfg   config.GateConfig

	modelCeilings map[string]int64
}

// New creates Gates.
func New(store gatestore.GateStore, cfg config.GateConfig) *Gates {
	overrides := make(map[string]int64, len(cfg.ModelCeilings))
	for _, mc := range cfg.ModelCeilings {
		overrides[mc.Model+":"+mc.Tier] = mc.Ceiling
	}
	return &Gates{
		gate:          NewGate(store),
		store:         store,
		cfg:           cfg,
		modelCeilings: overrides,
	}
}

// ModelCeiling resolves the ceiling for a model on a tier: an exact override
// first, then the provider default, then the global default.
func (g *Gates) ModelCeiling(modelID string, tier routing.Tier) int64 {
	if c, ok := g.modelCeilings[modelID+":"+string(tier)]; ok {
		return c
	}
	provider, _, _ := strings.Cut(modelID, "-")
	if c, ok := g.cfg.ProviderCeilings[provider]; ok && c > 0 {
		return c
	}
	return g.cfg.DefaultModelCeiling
}

// UserCeiling returns the per-user ceiling for kind.
func (g *Gates) UserCeiling(kind Kind) (int64, error) {
	switch kind {
	case KindStream:
		return g.cfg.StreamUserCeiling, nil
	case KindBatch:
		return g.cfg.BatchUserCeiling, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// QueueCeiling returns the pending-message ceiling for queueID.
func (g *Gates) QueueCeiling(queueID string) int64 {
	if c, ok := g.cfg.QueueMaxPending[queueID]; ok && c > 0 {
		return c
	}
	return g.cfg.DefaultQueueMaxPending
}

func (g *Gates) activeTTL() time.Duration {
	return time.Duration(g.cfg.ActiveTTLSec) * time.Second
}

func (g *Gates) pendingTTL() time.Duration {
	return time.Duration(g.cfg.PendingTTLSec) * time.Second
}

// EnterModel takes an active-worker slot for the model on the tier.
func (g *Gates) EnterModel(ctx context.Context, modelID string, tier routing.Tier) (Admission, error) {
	return g.gate.Enter(ctx, ModelKey(modelID, tier), g.ModelCeiling(modelID, tier), g.activeTTL())
}

// ExitModel releases a slot taken by EnterModel.
func (g *Gates) ExitModel(ctx context.Context, modelID string, tier routing.Tier) error {
	return g.gate.Exit(ctx, ModelKey(modelID, tier))
}

// EnterUser takes an active-task slot for the user.
func (g *Gates) EnterUser(ctx context.Context, userID string, kind Kind) (Admission, error) {
	ceiling, err := g.UserCeiling(kind)
	if err != nil {
		return Admission{}, err
	}
	return g.gate.Enter(ctx, UserKey(userID, kind), ceiling, g.activeTTL())
}

// ExitUser releases a slot taken by EnterUser.
func (g *Gates) ExitUser(ctx context.Context, userID string, kind Kind) error {
	return g.gate.Exit(ctx, UserKey(userID, kind))
}

// Bump counts one more pending message on queueID. The count is released by
// the worker when the message is finished with, not when Bump is denied.
func (g *Gates) Bump(ctx context.Context, queueID string) (Admission, error) {
	return g.gate.Enter(ctx, QueueKey(queueID), g.QueueCeiling(queueID), g.pendingTTL())
}

// ReleaseQueue removes one pending message from queueID's count.
func (g *Gates) ReleaseQueue(ctx context.Context, queueID string) error {
	return g.gate.Exit(ctx, QueueKey(queueID))
}

// Pending returns the current value of a gate counter.
func (g *Gates) Pending(ctx context.Context, key string) (int64, error) {
	return g.store.Get(ctx, key)
}

// Throttled is the outcome of Throttle.
type Throttled struct {
	OK         bool
	RetryAfter time.Duration
}

// Throttle counts a request against the user's fixed window. A zero
// RateLimitPerWindow disables throttling.
func (g *Gates) Throttle(ctx context.Context, userID string) (Throttled, error) {
	if g.cfg.RateLimitPerWindow <= 0 {
		return Throttled{OK: true}, nil
	}

	window := time.Duration(g.cfg.RateLimitWindowSec) * time.Second
	key := RateKey(userID)

	n, err := g.store.IncrFixedWindow(ctx, key, window)
	if err != nil {
		return Throttled{}, fmt.Errorf("throttle %s: %w", key, err)
	}
	if n <= g.cfg.RateLimitPerWindow {
		return Throttled{OK: true}, nil
	}

	retry, err := g.store.TTL(ctx, key)
	if err != nil || retry <= 0 {
		retry = window
	}
	return Throttled{OK: false, RetryAfter: retry}, nil
}
