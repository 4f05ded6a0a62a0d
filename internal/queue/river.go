package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
)

// DeliveryKind is the River job kind for task deliveries.
const DeliveryKind = "task_delivery"

// DeliveryArgs is the River job carrying one encoded task.
type DeliveryArgs struct {
	Payload json.RawMessage `json:"payload"`
}

// Kind implements river.JobArgs.
func (DeliveryArgs) Kind() string { return DeliveryKind }

// Inserter is the part of *river.Client the queue needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverQueue publishes tasks as River jobs on the route's queue.
type RiverQueue struct {
	inserter Inserter
	now      func() time.Time
}

var _ task.Queue = (*RiverQueue)(nil)

// NewRiverQueue creates a RiverQueue over a River client.
func NewRiverQueue(inserter Inserter) *RiverQueue {
	return &RiverQueue{inserter: inserter, now: time.Now}
}

// Publish inserts a delivery for t, scheduled delay from now.
func (q *RiverQueue) Publish(ctx context.Context, queueID string, t *task.Task, delay time.Duration) error {
	payload, err := t.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	opts := &river.InsertOpts{Queue: queueID}
	if delay > 0 {
		opts.ScheduledAt = q.now().Add(delay)
	}

	if _, err := q.inserter.Insert(ctx, DeliveryArgs{Payload: payload}, opts); err != nil {
		return fmt.Errorf("insert delivery on queue %s: %w", queueID, err)
	}
	return nil
}

// NewRiverClient builds a River client that runs worker on every queue in
// queues, each with workersPerQueue slots.
func NewRiverClient(
	pool *pgxpool.Pool,
	queues []string,
	workersPerQueue int,
	worker *DeliveryWorker,
	logger *slog.Logger,
) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, worker); err != nil {
		return nil, fmt.Errorf("register delivery worker: %w", err)
	}

	queueConfig := make(map[string]river.QueueConfig, len(queues))
	for _, q := range queues {
		queueConfig[q] = river.QueueConfig{MaxWorkers: workersPerQueue}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger:  logger,
		Queues:  queueConfig,
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// NewInsertClient builds a River client that only inserts jobs. The producer
// and pipeline publish through it while the working client is constructed
// around the pipeline.
func NewInsertClient(pool *pgxpool.Pool, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create river insert client: %w", err)
	}
	return client, nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("river migrations applied", "versions", len(res.Versions))
	return nil
}
