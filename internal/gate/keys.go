package gate

import (
	"fmt"

	"github.com/phrazzld/jobfit/internal/routing"
)

// Kind is the user-gate class of a task.
type Kind string

const (
	KindStream Kind = "stream"
	KindBatch  Kind = "batch"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindStream || k == KindBatch
}

// The key formats below are shared with every other process using the same
// store and must not change.

// ModelKey is the active-worker counter for a model on a tier.
func ModelKey(modelID string, tier routing.Tier) string {
	return fmt.Sprintf("active:model:%s:%s", modelID, tier)
}

// UserKey is the active-task counter for a user and kind.
func UserKey(userID string, kind Kind) string {
	return fmt.Sprintf("active:user:%s:%s", userID, kind)
}

// QueueKey is the pending-message counter for a queue.
func QueueKey(queueID string) string {
	return "bp:queue:" + queueID
}

// RateKey is the per-user fixed-window request counter.
func RateKey(userID string) string {
	return "rl:user:" + userID
}
