package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/jobfit/internal/task"
	"github.com/riverqueue/river"
)

// DeliveryWorker handles River deliveries. With a forwarder it posts each
// payload to the signed callback; otherwise it runs the handler in-process.
// A returned error makes River deliver the job again.
type DeliveryWorker struct {
	river.WorkerDefaults[DeliveryArgs]

	handler   Handler
	forwarder *PushForwarder
	timeouts  task.PipelineConfig
	logger    *slog.Logger
}

// NewDeliveryWorker creates a DeliveryWorker. forwarder may be nil.
func NewDeliveryWorker(
	handler Handler,
	forwarder *PushForwarder,
	timeouts task.PipelineConfig,
	logger *slog.Logger,
) *DeliveryWorker {
	return &DeliveryWorker{
		handler:   handler,
		forwarder: forwarder,
		timeouts:  timeouts,
		logger:    logger.With("component", "delivery_worker"),
	}
}

// Timeout is the execution budget of the task's worker mode.
func (w *DeliveryWorker) Timeout(job *river.Job[DeliveryArgs]) time.Duration {
	return DeliveryTimeout(job.Args.Payload, w.timeouts)
}

// Work handles one delivery.
func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[DeliveryArgs]) error {
	log := w.logger.With("job_id", job.ID, "queue_id", job.Queue, "attempt", job.Attempt)

	if w.forwarder != nil {
		if err := w.forwarder.Forward(ctx, job.Queue, job.Args.Payload); err != nil {
			log.Warn("forwarding delivery failed", "error", err)
			return err
		}
		return nil
	}

	out, err := w.handler.Handle(ctx, job.Args.Payload)
	if err != nil {
		return fmt.Errorf("handle delivery: %w", err)
	}
	log.Debug("delivery handled", "outcome", out.Kind, "code", out.Code)
	return nil
}
