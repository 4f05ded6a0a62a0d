package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/lock"
	"github.com/phrazzld/jobfit/internal/metrics"
	"github.com/phrazzld/jobfit/internal/routing"
)

// Queue is the durable push queue tasks are published to.
type Queue interface {
	// Publish makes t deliverable on queueID once delay has passed.
	Publish(ctx context.Context, queueID string, t *Task, delay time.Duration) error
}

// QuotaChecker answers whether a user has paid quota left.
type QuotaChecker interface {
	HasQuota(ctx context.Context, userID string) (bool, error)
}

// EnqueueRequest is the caller's description of a task to run.
type EnqueueRequest struct {
	Kind            gate.Kind      `json:"kind" validate:"required,oneof=stream batch"`
	ServiceID       string         `json:"serviceId" validate:"required,max=128"`
	TaskID          string         `json:"taskId,omitempty" validate:"omitempty,uuid"`
	UserID          string         `json:"-" validate:"required,max=128"`
	Locale          string         `json:"locale,omitempty" validate:"omitempty,max=35"`
	TemplateID      string         `json:"templateId" validate:"required,max=64"`
	Variables       map[string]any `json:"variables,omitempty"`
	PreferReasoning bool           `json:"preferReasoning,omitempty"`

	RequestID string `json:"-"`
	TraceID   string `json:"-"`
}

// EnqueueResult is the admission verdict. When OK is false, Error holds a
// stable code and RetryAfter is set for retryable rejections.
type EnqueueResult struct {
	OK         bool
	TaskID     string
	Channel    string
	Route      routing.Decision
	Error      string
	Detail     string
	RetryAfter time.Duration
}

func rejected(code string, retryAfter time.Duration) EnqueueResult {
	return EnqueueResult{Error: code, RetryAfter: retryAfter}
}

// ProducerConfig tunes the enqueue path.
type ProducerConfig struct {
	// BackpressureRetry is the retry_after hint sent with a backpressured
	// rejection.
	BackpressureRetry time.Duration
}

// Producer admits tasks and publishes them to the queue.
type Producer struct {
	gates   *gate.Gates
	locker  *lock.Locker
	router  *routing.Router
	quota   QuotaChecker
	queue   Queue
	metrics *metrics.Metrics
	cfg     ProducerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewProducer creates a Producer. m may be nil.
func NewProducer(
	gates *gate.Gates,
	locker *lock.Locker,
	router *routing.Router,
	quota QuotaChecker,
	queue Queue,
	m *metrics.Metrics,
	cfg ProducerConfig,
	logger *slog.Logger,
) (*Producer, error) {
	switch {
	case gates == nil:
		return nil, ErrNilGates
	case locker == nil:
		return nil, ErrNilLocker
	case router == nil:
		return nil, ErrNilRouter
	case quota == nil:
		return nil, ErrNilQuota
	case queue == nil:
		return nil, ErrNilQueue
	case logger == nil:
		return nil, ErrNilLogger
	}
	return &Producer{
		gates:   gates,
		locker:  locker,
		router:  router,
		quota:   quota,
		queue:   queue,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "producer"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureEnqueued runs admission for req and publishes the task. Rejections
// are reported in the result; the error is reserved for infrastructure
// failures, after which nothing acquired here is left held.
//
// Order: throttle, lock, quota, route, backpressure, publish.
func (p *Producer) EnsureEnqueued(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := validate.Struct(req); err != nil {
		p.metrics.AdmissionRejected(CodeInvalidRequest)
		res := rejected(CodeInvalidRequest, 0)
		res.Detail = err.Error()
		return res, nil
	}

	log := p.logger.With("user_id", req.UserID, "template_id", req.TemplateID, "service_id", req.ServiceID)

	throttle, err := p.gates.Throttle(ctx, req.UserID)
	if err != nil {
		return rejected(CodeUnavailable, 0), fmt.Errorf("throttle: %w", err)
	}
	if !throttle.OK {
		p.metrics.AdmissionRejected(CodeRateLimited)
		log.InfoContext(ctx, "enqueue rate limited", "retry_after", throttle.RetryAfter)
		return rejected(CodeRateLimited, throttle.RetryAfter), nil
	}

	locked, err := p.locker.Acquire(ctx, req.UserID, req.TemplateID)
	if err != nil {
		return rejected(CodeUnavailable, 0), fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		p.metrics.AdmissionRejected(CodeConcurrencyLocked)
		log.InfoContext(ctx, "task already running for user")
		return rejected(CodeConcurrencyLocked, 0), nil
	}

	// From here on every early return gives back what was taken.
	releaseLock := func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), req.UserID, req.TemplateID); err != nil {
			log.WarnContext(ctx, "failed to release lock after rejected enqueue", "error", err)
		}
	}

	hasQuota, err := p.quota.HasQuota(ctx, req.UserID)
	if err != nil {
		releaseLock()
		return rejected(CodeUnavailable, 0), fmt.Errorf("quota lookup: %w", err)
	}

	opts := routing.Options{HasImage: HasImage(req.Variables), PreferReasoning: req.PreferReasoning}
	route := p.router.Route(req.TemplateID, hasQuota, opts)

	adm, err := p.gates.Bump(ctx, route.QueueID)
	if err != nil {
		releaseLock()
		return rejected(CodeUnavailable, 0), fmt.Errorf("backpressure: %w", err)
	}
	if !adm.OK {
		releaseLock()
		p.metrics.AdmissionRejected(CodeBackpressured)
		log.InfoContext(ctx, "queue backpressured", "queue_id", route.QueueID, "pending", adm.Pending)
		return rejected(CodeBackpressured, p.cfg.BackpressureRetry), nil
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	t := &Task{
		TaskID:          taskID,
		UserID:          req.UserID,
		ServiceID:       req.ServiceID,
		Locale:          req.Locale,
		TemplateID:      req.TemplateID,
		Variables:       req.Variables,
		Kind:            req.Kind,
		PreferReasoning: req.PreferReasoning,
		EnqueuedAt:      p.now(),
		Route:           route,
		RequestID:       req.RequestID,
		TraceID:         req.TraceID,
	}

	if err := t.Validate(); err != nil {
		p.releaseQueue(ctx, log, route.QueueID)
		releaseLock()
		p.metrics.AdmissionRejected(CodeInvalidRequest)
		res := rejected(CodeInvalidRequest, 0)
		res.Detail = err.Error()
		return res, nil
	}

	if err := p.queue.Publish(ctx, route.QueueID, t, 0); err != nil {
		p.releaseQueue(ctx, log, route.QueueID)
		releaseLock()
		return rejected(CodeUnavailable, 0), fmt.Errorf("publish task: %w", err)
	}

	p.metrics.TaskEnqueued(route.QueueID)
	log.InfoContext(ctx, "task enqueued",
		"task_id", t.TaskID,
		"queue_id", route.QueueID,
		"model_id", route.ModelID,
		"tier", route.Tier,
		"worker", route.Worker,
		"pending", adm.Pending)

	return EnqueueResult{
		OK:      true,
		TaskID:  t.TaskID,
		Channel: t.Channel(),
		Route:   route,
	}, nil
}

func (p *Producer) releaseQueue(ctx context.Context, log *slog.Logger, queueID string) {
	if err := p.gates.ReleaseQueue(context.WithoutCancel(ctx), queueID); err != nil {
		log.WarnContext(ctx, "failed to release queue counter", "queue_id", queueID, "error", err)
	}
}
