package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/lock"
	"github.com/phrazzld/jobfit/internal/metrics"
	"github.com/phrazzld/jobfit/internal/platform/logger"
	"github.com/phrazzld/jobfit/internal/platform/postgres"
	"github.com/phrazzld/jobfit/internal/redact"
	"github.com/phrazzld/jobfit/internal/routing"
)

// cleanupTimeout bounds the release fan-out. A step that does not finish in
// time is left to its key's TTL.
const cleanupTimeout = 5 * time.Second

// OutputStore persists task results.
type OutputStore interface {
	SaveOutput(ctx context.Context, out postgres.Output) (bool, error)
	HasOutput(ctx context.Context, taskID string) (bool, error)
}

// UsageRecorder stores usage analytics.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u postgres.Usage) error
}

// OutcomeKind is how a delivery ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeRequeued  OutcomeKind = "requeued"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome is the result of handling one delivery.
type Outcome struct {
	Kind       OutcomeKind
	Code       string
	RetryAfter time.Duration
}

// Terminal reports whether the task will not be delivered again.
func (o Outcome) Terminal() bool {
	return o.Kind != OutcomeRequeued
}

// PipelineConfig holds the retry, timeout and streaming settings.
type PipelineConfig struct {
	MaxRetries        int
	RetryBaseDelay    time.Duration
	GuardRetryDelay   time.Duration
	MaxBackoff        time.Duration
	StreamTimeout     time.Duration
	StructuredTimeout time.Duration
	IdleNotice        time.Duration
	TokenBatchSize    int
}

// PipelineConfigFrom converts the loaded configuration.
func PipelineConfigFrom(q config.QueueConfig, e config.EventsConfig) PipelineConfig {
	return PipelineConfig{
		MaxRetries:        q.MaxRetries,
		RetryBaseDelay:    time.Duration(q.RetryBaseDelayMs) * time.Millisecond,
		GuardRetryDelay:   time.Duration(q.GuardRetryDelayMs) * time.Millisecond,
		MaxBackoff:        time.Duration(q.MaxBackoffMs) * time.Millisecond,
		StreamTimeout:     time.Duration(q.StreamTimeoutSec) * time.Second,
		StructuredTimeout: time.Duration(q.StructuredTimeoutSec) * time.Second,
		IdleNotice:        time.Duration(e.IdleNoticeMs) * time.Millisecond,
		TokenBatchSize:    e.TokenBatchSize,
	}
}

// Timeout is the execution budget announced for a worker mode.
func (c PipelineConfig) Timeout(w routing.Worker) time.Duration {
	if w == routing.WorkerStream {
		return c.StreamTimeout
	}
	return c.StructuredTimeout
}

// PipelineDeps are the collaborators of a Pipeline. Validator, Usage and
// Metrics are optional.
type PipelineDeps struct {
	Gates     *gate.Gates
	Locker    *lock.Locker
	Router    *routing.Router
	Quota     QuotaChecker
	Model     generation.Model
	Validator *generation.OutputValidator
	Outputs   OutputStore
	Usage     UsageRecorder
	Queue     Queue
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Pipeline handles task deliveries.
type Pipeline struct {
	gates     *gate.Gates
	locker    *lock.Locker
	router    *routing.Router
	quota     QuotaChecker
	model     generation.Model
	validator *generation.OutputValidator
	outputs   OutputStore
	usage     UsageRecorder
	queue     Queue
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       PipelineConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case deps.Gates == nil:
		return nil, ErrNilGates
	case deps.Locker == nil:
		return nil, ErrNilLocker
	case deps.Router == nil:
		return nil, ErrNilRouter
	case deps.Quota == nil:
		return nil, ErrNilQuota
	case deps.Model == nil:
		return nil, ErrNilModel
	case deps.Outputs == nil:
		return nil, ErrNilOutputs
	case deps.Queue == nil:
		return nil, ErrNilQueue
	case deps.Publisher == nil:
		return nil, ErrNilPublisher
	case deps.Logger == nil:
		return nil, ErrNilLogger
	}
	return &Pipeline{
		gates:     deps.Gates,
		locker:    deps.Locker,
		router:    deps.Router,
		quota:     deps.Quota,
		model:     deps.Model,
		validator: deps.Validator,
		outputs:   deps.Outputs,
		usage:     deps.Usage,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    deps.Logger.With("component", "pipeline"),
		now:       time.Now,
	}, nil
}

// Config returns the pipeline settings.
func (p *Pipeline) Config() PipelineConfig {
	return p.cfg
}

// holds records what a delivery owns and must give back.
type holds struct {
	model bool
	user  bool
	queue bool
	lock  bool
}

// Handle processes one delivered payload. A nil error means the delivery is
// finished with, whatever the outcome; a non-nil error asks the queue to
// deliver the same payload again.
func (p *Pipeline) Handle(ctx context.Context, payload []byte) (Outcome, error) {
	t, err := Decode(payload)
	if err != nil {
		p.poison(ctx, t, err)
		return Outcome{Kind: OutcomeFailed, Code: CodePoisonMessage}, nil
	}
	return p.Run(ctx, t)
}

// Run processes a decoded task.
func (p *Pipeline) Run(ctx context.Context, t *Task) (Outcome, error) {
	log := p.logger.With(
		"task_id", t.TaskID,
		"user_id", t.UserID,
		"template_id", t.TemplateID,
		"queue_id", t.Route.QueueID,
		"retry_count", t.RetryCount,
		"request_id", t.RequestID,
		"trace_id", t.TraceID,
	)
	ctx = logger.WithContext(ctx, log)
	em := events.NewEmitter(p.publisher, t.Channel(), t.TaskID, t.RequestID, t.TraceID, log)
	stage := t.Stage()

	// The delivery owns one pending slot on its queue.
	h := &holds{queue: true}
	defer p.cleanup(ctx, log, t, h)

	persisted, err := p.outputs.HasOutput(ctx, t.TaskID)
	if err != nil {
		h.queue = false
		return Outcome{}, fmt.Errorf("check output: %w", err)
	}
	if persisted {
		// A previous delivery did the work and gave back its slot and the
		// lock; releasing them again would free another task's. Repeat its
		// events in case it died before publishing them.
		h.queue = false
		log.InfoContext(ctx, "duplicate delivery of a completed task")
		em.Status(ctx, string(stage), stage.CompletedStatus(), "")
		if stage.Final() {
			em.Done(ctx, string(stage), events.Usage{})
		}
		p.metrics.TaskFinished(string(OutcomeDuplicate))
		return Outcome{Kind: OutcomeDuplicate}, nil
	}

	tier := p.verifyRoute(ctx, log, t)

	if code := p.guard(ctx, log, t, h); code != "" {
		p.metrics.GuardRejected(code)
		delay := Backoff(t.RetryCount, p.cfg.GuardRetryDelay, p.cfg.MaxBackoff)
		return p.requeue(ctx, log, em, t, h, code, delay)
	}

	em.Start(ctx, string(stage), t.Route.QueueID, p.cfg.Timeout(t.Route.Worker))

	res, err := p.execute(ctx, em, t, stage)

	// The model call may have used up ctx's deadline; what follows must still run.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.WarnContext(ctx, "delivery cancelled, leaving it for redelivery")
			h.queue = false
			return Outcome{}, err
		}
		c := Classify(err)
		log.WarnContext(ctx, "execution failed",
			"code", c.Code,
			"retryable", c.Retryable,
			"error", redact.Error(err))
		if c.Retryable {
			delay := Backoff(t.RetryCount, p.cfg.RetryBaseDelay, p.cfg.MaxBackoff)
			return p.requeue(bg, log, em, t, h, c.Code, delay)
		}
		p.recordUsage(bg, log, t, tier, res, string(OutcomeFailed))
		return p.fail(bg, log, em, t, h, c.Code), nil
	}

	written, err := p.outputs.SaveOutput(bg, postgres.Output{
		TaskID:     t.TaskID,
		UserID:     t.UserID,
		ServiceID:  t.ServiceID,
		TemplateID: t.TemplateID,
		ModelID:    t.Route.ModelID,
		Content:    res.text,
		Metadata:   res.metadata,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to persist output", "error", err)
		delay := Backoff(t.RetryCount, p.cfg.RetryBaseDelay, p.cfg.MaxBackoff)
		return p.requeue(bg, log, em, t, h, CodePersistFailed, delay)
	}
	if !written {
		log.InfoContext(ctx, "output was already persisted by a concurrent delivery")
	}

	em.Status(bg, string(stage), stage.CompletedStatus(), "")
	if stage.Final() {
		em.Done(bg, string(stage), events.Usage{
			InputTokens:  res.usage.Input,
			OutputTokens: res.usage.Output,
			Latency:      res.latency,
		})
	}

	h.lock = true
	p.recordUsage(bg, log, t, tier, res, string(OutcomeCompleted))
	p.metrics.TaskFinished(string(OutcomeCompleted))
	log.InfoContext(ctx, "task completed",
		"model_id", t.Route.ModelID,
		"latency_ms", res.latency.Milliseconds(),
		"input_tokens", res.usage.Input,
		"output_tokens", res.usage.Output)

	return Outcome{Kind: OutcomeCompleted}, nil
}

// verifyRoute re-derives the route with a fresh quota lookup. The pinned
// route always wins so the gates match the queue the task sits on; the
// returned tier is the current one, for analytics.
func (p *Pipeline) verifyRoute(ctx context.Context, log *slog.Logger, t *Task) routing.Tier {
	hasQuota, err := p.quota.HasQuota(ctx, t.UserID)
	if err != nil {
		log.WarnContext(ctx, "quota re-check failed, keeping pinned route", "error", err)
		return t.Route.Tier
	}
	derived := p.router.Route(t.TemplateID, hasQuota, t.RouteOptions())
	if derived != t.Route {
		log.WarnContext(ctx, "route changed since enqueue, keeping pinned route",
			"pinned_model", t.Route.ModelID,
			"pinned_tier", t.Route.Tier,
			"derived_model", derived.ModelID,
			"derived_tier", derived.Tier)
	}
	return derived.Tier
}

// guard enters the model gate, then the user gate. It returns the reason
// code of the first gate that refused, or "" when both admitted.
func (p *Pipeline) guard(ctx context.Context, log *slog.Logger, t *Task, h *holds) string {
	adm, err := p.gates.EnterModel(ctx, t.Route.ModelID, t.Route.Tier)
	if err != nil {
		log.WarnContext(ctx, "model gate unavailable", "error", err)
		return CodeGuardsFailed
	}
	if !adm.OK {
		return CodeModelConcurrency
	}
	h.model = true

	adm, err = p.gates.EnterUser(ctx, t.UserID, t.Kind)
	if err != nil {
		log.WarnContext(ctx, "user gate unavailable", "error", err)
		return CodeGuardsFailed
	}
	if !adm.OK {
		return CodeUserConcurrency
	}
	h.user = true
	return ""
}

// requeue schedules the next delivery, or fails the task once its retries
// are used up. The next delivery takes over this delivery's pending slot, so
// a full queue never turns a retry into a failure.
func (p *Pipeline) requeue(
	ctx context.Context,
	log *slog.Logger,
	em *events.Emitter,
	t *Task,
	h *holds,
	code string,
	delay time.Duration,
) (Outcome, error) {
	stage := string(t.Stage())

	if t.RetryCount >= p.cfg.MaxRetries {
		log.WarnContext(ctx, "retries exhausted", "code", code, "max_retries", p.cfg.MaxRetries)
		return p.fail(ctx, log, em, t, h, code), nil
	}

	// Whether the publish works or the queue redelivers this payload, the
	// slot stays with the task.
	h.queue = false
	if err := p.queue.Publish(ctx, t.Route.QueueID, t.Retry(), delay); err != nil {
		return Outcome{}, fmt.Errorf("requeue: %w", err)
	}

	em.Error(ctx, stage, code, Message(code), delay)
	p.metrics.TaskRequeued(code)
	p.metrics.TaskFinished(string(OutcomeRequeued))
	log.InfoContext(ctx, "task requeued", "code", code, "delay_ms", delay.Milliseconds())

	return Outcome{Kind: OutcomeRequeued, Code: code, RetryAfter: delay}, nil
}

// fail publishes the terminal failure. The error event carries the specific
// code; the status event moves the stage to its failed state.
func (p *Pipeline) fail(
	ctx context.Context,
	log *slog.Logger,
	em *events.Emitter,
	t *Task,
	h *holds,
	code string,
) Outcome {
	stage := t.Stage()
	em.Error(ctx, string(stage), code, Message(code), 0)
	em.Status(ctx, string(stage), stage.FailedStatus(), strings.ToUpper(code))

	h.lock = true
	p.metrics.TaskFinished(string(OutcomeFailed))
	log.WarnContext(ctx, "task failed", "code", code)
	return Outcome{Kind: OutcomeFailed, Code: code}
}

// poison reports an undecodable payload. When enough of the task survived to
// address it, the client is told and the task's counters are released.
func (p *Pipeline) poison(ctx context.Context, t *Task, err error) {
	p.metrics.TaskFinished("poison")
	p.logger.ErrorContext(ctx, "poison message", "error", err)

	if t == nil || t.UserID == "" || t.ServiceID == "" || t.TaskID == "" {
		return
	}
	log := p.logger.With("task_id", t.TaskID, "user_id", t.UserID)
	em := events.NewEmitter(p.publisher, t.Channel(), t.TaskID, t.RequestID, t.TraceID, log)
	em.Error(ctx, string(t.Stage()), CodePoisonMessage, Message(CodePoisonMessage), 0)

	p.cleanup(ctx, log, t, &holds{
		queue: t.Route.QueueID != "",
		lock:  t.TemplateID != "",
	})
}

func (p *Pipeline) recordUsage(
	ctx context.Context,
	log *slog.Logger,
	t *Task,
	tier routing.Tier,
	res execution,
	outcome string,
) {
	if p.usage == nil {
		return
	}
	u := postgres.Usage{
		TaskID:       t.TaskID,
		UserID:       t.UserID,
		ServiceID:    t.ServiceID,
		TemplateID:   t.TemplateID,
		ModelID:      t.Route.ModelID,
		Tier:         string(tier),
		Outcome:      outcome,
		InputTokens:  res.usage.Input,
		OutputTokens: res.usage.Output,
		Latency:      res.latency,
	}
	Detach(ctx, log, "record_usage", func(ctx context.Context) error {
		return p.usage.RecordUsage(ctx, u)
	})
}

type cleanupStep struct {
	name string
	run  func(context.Context) error
}

// cleanup releases everything h records, each step in its own goroutine.
// Failures are logged and counted, never returned: a counter that was not
// released expires with its TTL.
func (p *Pipeline) cleanup(ctx context.Context, log *slog.Logger, t *Task, h *holds) {
	var steps []cleanupStep
	if h.model {
		steps = append(steps, cleanupStep{"model_gate", func(ctx context.Context) error {
			return p.gates.ExitModel(ctx, t.Route.ModelID, t.Route.Tier)
		}})
	}
	if h.user {
		steps = append(steps, cleanupStep{"user_gate", func(ctx context.Context) error {
			return p.gates.ExitUser(ctx, t.UserID, t.Kind)
		}})
	}
	if h.queue {
		steps = append(steps, cleanupStep{"queue_counter", func(ctx context.Context) error {
			return p.gates.ReleaseQueue(ctx, t.Route.QueueID)
		}})
	}
	if h.lock {
		steps = append(steps, cleanupStep{"lock", func(ctx context.Context) error {
			return p.locker.Release(ctx, t.UserID, t.TemplateID)
		}})
	}
	if len(steps) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, step := range steps {
		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("cleanup step panicked", "step", step.name, "panic", fmt.Sprint(r))
					p.metrics.CleanupError(step.name)
				}
			}()
			if err := step.run(ctx); err != nil {
				log.Warn("cleanup step failed", "step", step.name, "error", err)
				p.metrics.CleanupError(step.name)
			}
		})
	}
	wg.Wait()
}

// execution is what a successful model call produced.
type execution struct {
	text     string
	metadata json.RawMessage
	usage    TokenUsage
	latency  time.Duration
	chunks   int
}
