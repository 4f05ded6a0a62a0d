package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/jobfit/internal/task"
)

// MemoryQueueConfig holds configuration for the in-memory queue.
type MemoryQueueConfig struct {
	// Workers is how many deliveries are handled concurrently.
	// If zero or negative, defaults to 1.
	Workers int

	// BufferSize bounds the number of ready deliveries.
	BufferSize int

	// RedeliveryDelay is the base backoff before a delivery whose handler
	// returned an error is tried again.
	RedeliveryDelay time.Duration

	// MaxAttempts caps handler errors per delivery before it is dropped.
	MaxAttempts int

	// Timeouts supplies the per-delivery execution budget.
	Timeouts task.PipelineConfig
}

// DefaultMemoryQueueConfig returns a MemoryQueueConfig with reasonable defaults.
func DefaultMemoryQueueConfig() MemoryQueueConfig {
	return MemoryQueueConfig{
		Workers:         4,
		BufferSize:      256,
		RedeliveryDelay: time.Second,
		MaxAttempts:     5,
	}
}

type delivery struct {
	queueID string
	payload []byte
	attempt int
}

// MemoryQueue is an in-process task.Queue. Deliveries survive a handler
// error but not a process restart.
type MemoryQueue struct {
	cfg    MemoryQueueConfig
	logger *slog.Logger

	mu         sync.Mutex
	deliveries chan delivery
	timers     map[*time.Timer]struct{}
	closed     bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ task.Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a MemoryQueue. Call Start to begin handling.
func NewMemoryQueue(cfg MemoryQueueConfig, logger *slog.Logger) *MemoryQueue {
	if cfg.Workers <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.Workers,
			"default_count", 1)
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultMemoryQueueConfig().BufferSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &MemoryQueue{
		cfg:        cfg,
		logger:     logger.With("component", "memory_queue"),
		deliveries: make(chan delivery, cfg.BufferSize),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// Publish schedules t for delivery after delay.
func (q *MemoryQueue) Publish(_ context.Context, queueID string, t *task.Task, delay time.Duration) error {
	payload, err := t.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.schedule(delivery{queueID: queueID, payload: payload}, delay)
}

func (q *MemoryQueue) schedule(d delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if delay <= 0 {
		return q.offer(d)
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		if err := q.offer(d); err != nil {
			q.logger.Error("dropping delayed delivery",
				"queue_id", d.queueID,
				"error", err)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// offer adds d to the ready buffer. Callers hold q.mu.
func (q *MemoryQueue) offer(d delivery) error {
	select {
	case q.deliveries <- d:
		q.logger.Debug("delivery ready",
			"queue_id", d.queueID,
			"attempt", d.attempt,
			"queue_len", len(q.deliveries))
		return nil
	default:
		return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, cap(q.deliveries))
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (q *MemoryQueue) Start(ctx context.Context, h Handler) {
	ctx, q.cancel = context.WithCancel(ctx)
	for id := range q.cfg.Workers {
		q.wg.Go(func() { q.worker(ctx, h, id) })
	}
}

// Stop drops scheduled deliveries and waits for in-flight ones to finish.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for timer := range q.timers {
			timer.Stop()
		}
		clear(q.timers)
		close(q.deliveries)
		q.logger.Info("memory queue closed")
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Len reports how many deliveries are ready but not yet taken.
func (q *MemoryQueue) Len() int {
	return len(q.deliveries)
}

func (q *MemoryQueue) worker(ctx context.Context, h Handler, id int) {
	q.logger.Debug("starting worker", "worker_id", id)
	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("stopping worker", "worker_id", id)
			return
		case d, ok := <-q.deliveries:
			if !ok {
				q.logger.Debug("delivery channel closed, stopping worker", "worker_id", id)
				return
			}
			q.process(ctx, h, d, id)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, h Handler, d delivery, workerID int) {
	log := q.logger.With("queue_id", d.queueID, "worker_id", workerID, "attempt", d.attempt)

	dctx, cancel := context.WithTimeout(ctx, DeliveryTimeout(d.payload, q.cfg.Timeouts))
	defer cancel()

	out, err := h.Handle(dctx, d.payload)
	if err == nil {
		log.Debug("delivery handled", "outcome", out.Kind, "code", out.Code)
		return
	}

	d.attempt++
	if d.attempt >= q.cfg.MaxAttempts {
		log.Error("delivery failed, giving up", "error", err)
		return
	}
	delay := task.Backoff(d.attempt-1, q.cfg.RedeliveryDelay, time.Minute)
	log.Warn("delivery failed, redelivering", "error", err, "delay_ms", delay.Milliseconds())
	if err := q.schedule(d, delay); err != nil {
		log.Error("failed to redeliver", "error", err)
	}
}
