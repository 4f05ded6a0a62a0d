package queue

import (
	"context"
	"time"

	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/tidwall/gjson"
)

// timeoutGrace is added to the execution budget so the pipeline's own
// cleanup and event publishing can finish before the queue gives up.
const timeoutGrace = 30 * time.Second

// Handler processes one delivered payload. *task.Pipeline implements it.
type Handler interface {
	Handle(ctx context.Context, payload []byte) (task.Outcome, error)
}

// DeliveryTimeout returns the budget for one delivery, read from the route
// pinned in the payload. Unreadable payloads get the structured budget; the
// pipeline rejects them quickly anyway.
func DeliveryTimeout(payload []byte, cfg task.PipelineConfig) time.Duration {
	worker := routing.Worker(gjson.GetBytes(payload, "route.worker").String())
	return cfg.Timeout(worker) + timeoutGrace
}
