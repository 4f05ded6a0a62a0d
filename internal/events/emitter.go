package events

import (
	"context"
	"log/slog"
	"time"
)

// Emitter publishes the events of one task attempt. Publishing is best-effort:
// failures are logged and the task carries on, since clients can fall back to
// polling the buffered mirror.
type Emitter struct {
	pub       Publisher
	channel   string
	taskID    string
	requestID string
	traceID   string
	logger    *slog.Logger
}

// NewEmitter creates an Emitter for one task's channel.
func NewEmitter(pub Publisher, channel, taskID, requestID, traceID string, logger *slog.Logger) *Emitter {
	return &Emitter{
		pub:       pub,
		channel:   channel,
		taskID:    taskID,
		requestID: requestID,
		traceID:   traceID,
		logger:    logger,
	}
}

// Channel returns the channel this emitter publishes to.
func (e *Emitter) Channel() string {
	return e.channel
}

// Emit stamps the task identifiers onto ev and publishes it.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	ev.TaskID = e.taskID
	ev.RequestID = e.requestID
	ev.TraceID = e.traceID

	if err := e.pub.Publish(ctx, e.channel, ev); err != nil {
		e.logger.Warn("failed to publish event",
			"channel", e.channel,
			"event_type", ev.Type,
			"error", err)
		return err
	}
	return nil
}

// Start announces that execution has begun.
func (e *Emitter) Start(ctx context.Context, stage, queueID string, timeout time.Duration) {
	_ = e.Emit(ctx, Event{
		Type:      TypeStart,
		Stage:     stage,
		QueueID:   queueID,
		TimeoutMs: timeout.Milliseconds(),
	})
}

// Token forwards a chunk of streamed text.
func (e *Emitter) Token(ctx context.Context, stage, text string) {
	_ = e.Emit(ctx, Event{Type: TypeToken, Stage: stage, Text: text})
}

// TokenBatch forwards several chunks of streamed text joined together.
func (e *Emitter) TokenBatch(ctx context.Context, stage, text string) {
	_ = e.Emit(ctx, Event{Type: TypeTokenBatch, Stage: stage, Text: text})
}

// Status reports a stage transition.
func (e *Emitter) Status(ctx context.Context, stage, status, failureCode string) {
	_ = e.Emit(ctx, Event{Type: TypeStatus, Stage: stage, Status: status, FailureCode: failureCode})
}

// Info sends a notice that does not change task state.
func (e *Emitter) Info(ctx context.Context, stage, code, message string) {
	_ = e.Emit(ctx, Event{Type: TypeInfo, Stage: stage, Code: code, Message: message})
}

// Error reports a failure with a stable code. A positive retryAfter tells the
// client the task has been scheduled again.
func (e *Emitter) Error(ctx context.Context, stage, code, message string, retryAfter time.Duration) {
	_ = e.Emit(ctx, Event{
		Type:         TypeError,
		Stage:        stage,
		Code:         code,
		Message:      message,
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

// Usage is the accounting attached to a done event.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// Done announces that the task finished successfully.
func (e *Emitter) Done(ctx context.Context, stage string, u Usage) {
	_ = e.Emit(ctx, Event{
		Type:         TypeDone,
		Stage:        stage,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		LatencyMs:    u.Latency.Milliseconds(),
	})
}
