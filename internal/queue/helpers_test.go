package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler implements queue.Handler, failing the first failures calls.
type recordingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	failures int
	handled  chan struct{}
	deadline time.Duration
}

func newRecordingHandler(failures int) *recordingHandler {
	return &recordingHandler{failures: failures, handled: make(chan struct{}, 64)}
}

func (h *recordingHandler) Handle(ctx context.Context, payload []byte) (task.Outcome, error) {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	if dl, ok := ctx.Deadline(); ok {
		h.deadline = time.Until(dl)
	}
	fail := h.failures > 0
	if fail {
		h.failures--
	}
	h.mu.Unlock()

	h.handled <- struct{}{}
	if fail {
		return task.Outcome{}, errors.New("store unavailable")
	}
	return task.Outcome{Kind: task.OutcomeCompleted}, nil
}

func (h *recordingHandler) Payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.payloads...)
}

func (h *recordingHandler) Deadline() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

func sampleTask(worker routing.Worker) *task.Task {
	return &task.Task{
		TaskID:     uuid.NewString(),
		UserID:     "user-1",
		ServiceID:  "svc-1",
		TemplateID: routing.TemplateJobMatch,
		Kind:       gate.KindStream,
		EnqueuedAt: time.Now().UTC(),
		Route: routing.Decision{
			Tier:    routing.TierFree,
			ModelID: "gemini-fast",
			QueueID: "free-stream",
			Worker:  worker,
		},
	}
}

func timeouts() task.PipelineConfig {
	return task.PipelineConfig{StreamTimeout: 5 * time.Minute, StructuredTimeout: 2 * time.Minute}
}
