package queue_test

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/gatestore"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/lock"
	"github.com/phrazzld/jobfit/internal/platform/postgres"
	"github.com/phrazzld/jobfit/internal/queue"
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/phrazzld/jobfit/internal/workbench"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type freeQuota struct{}

func (freeQuota) HasQuota(context.Context, string) (bool, error) { return false, nil }

type memOutputs struct {
	mu   sync.Mutex
	rows map[string]postgres.Output
}

func (m *memOutputs) SaveOutput(_ context.Context, out postgres.Output) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[out.TaskID]; ok {
		return false, nil
	}
	m.rows[out.TaskID] = out
	return true, nil
}

func (m *memOutputs) HasOutput(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[taskID]
	return ok, nil
}

// flakyModel streams a fixed answer after failing the first call.
type flakyModel struct {
	mu    sync.Mutex
	calls int
}

func (m *flakyModel) Generate(context.Context, generation.Request) (*generation.Response, error) {
	return nil, generation.ErrInvalidConfig
}

func (m *flakyModel) Stream(_ context.Context, _ generation.Request) iter.Seq2[generation.Chunk, error] {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()

	return func(yield func(generation.Chunk, error) bool) {
		if first {
			yield(generation.Chunk{}, fmt.Errorf("%w: 503", generation.ErrTransientFailure))
			return
		}
		for _, text := range []string{"Strong ", "match."} {
			if !yield(generation.Chunk{Text: text}, nil) {
				return
			}
		}
	}
}

// workflowModel answers structured calls with a fixed summary and streams a
// fixed match.
type workflowModel struct{}

func (workflowModel) Generate(context.Context, generation.Request) (*generation.Response, error) {
	return &generation.Response{Text: "Ten years of Go services."}, nil
}

func (workflowModel) Stream(context.Context, generation.Request) iter.Seq2[generation.Chunk, error] {
	return func(yield func(generation.Chunk, error) bool) {
		for _, text := range []string{"Senior Go dev. ", "Strong fit."} {
			if !yield(generation.Chunk{Text: text}, nil) {
				return
			}
		}
	}
}

type e2eStack struct {
	store    *gatestore.MemoryStore
	broker   *events.InMemoryBroker
	producer *task.Producer
}

// newE2EStack runs a memory queue feeding a pipeline over model until the
// test ends.
func newE2EStack(t *testing.T, model generation.Model) *e2eStack {
	t.Helper()

	ctx := context.Background()
	logger := testLogger()
	store := gatestore.NewMemoryStore()
	gates := gate.New(store, config.GateConfig{
		DefaultModelCeiling:    2,
		StreamUserCeiling:      1,
		BatchUserCeiling:       2,
		DefaultQueueMaxPending: 10,
		ActiveTTLSec:           600,
		PendingTTLSec:          1800,
		LockTTLSec:             900,
		RateLimitPerWindow:     10,
		RateLimitWindowSec:     60,
	})
	locker := lock.New(store, 15*time.Minute)
	router := routing.NewRouter(config.RoutingConfig{
		PrimaryModel:        "gemini-primary",
		FastModel:           "gemini-fast",
		ReasoningModel:      "gemini-reasoning",
		VisionModel:         "gemini-vision",
		PaidVisionQueue:     "paid-vision",
		FreeVisionQueue:     "free-vision",
		PaidStructuredQueue: "paid-structured",
		FreeStructuredQueue: "free-structured",
		PaidStreamQueue:     "paid-stream",
		FreeStreamQueue:     "free-stream",
		StreamingTemplates:  []string{routing.TemplateJobMatch},
	})
	broker := events.NewInMemoryBroker(100, 16, logger)

	mq := queue.NewMemoryQueue(queue.MemoryQueueConfig{Workers: 2, BufferSize: 16, MaxAttempts: 3}, logger)

	pipeline, err := task.NewPipeline(task.PipelineDeps{
		Gates:     gates,
		Locker:    locker,
		Router:    router,
		Quota:     freeQuota{},
		Model:     model,
		Outputs:   &memOutputs{rows: make(map[string]postgres.Output)},
		Queue:     mq,
		Publisher: broker,
		Logger:    logger,
	}, task.PipelineConfig{
		MaxRetries:        3,
		RetryBaseDelay:    10 * time.Millisecond,
		GuardRetryDelay:   10 * time.Millisecond,
		MaxBackoff:        time.Second,
		StreamTimeout:     time.Minute,
		StructuredTimeout: time.Minute,
		IdleNotice:        time.Minute,
		TokenBatchSize:    1,
	})
	require.NoError(t, err)

	producer, err := task.NewProducer(gates, locker, router, freeQuota{}, mq, nil, task.ProducerConfig{}, logger)
	require.NoError(t, err)

	mq.Start(ctx, pipeline)
	t.Cleanup(mq.Stop)

	return &e2eStack{store: store, broker: broker, producer: producer}
}

// awaitEvents waits until the last event on channel has type last, and
// status when one is given, and returns everything on the channel.
func (s *e2eStack) awaitEvents(t *testing.T, channel string, last events.Type, status string) []events.Event {
	t.Helper()

	var evs []events.Event
	require.Eventually(t, func() bool {
		got, err := s.broker.Replay(context.Background(), channel, 0)
		if err != nil || len(got) == 0 {
			return false
		}
		evs = got
		tail := got[len(got)-1]
		return tail.Type == last && (status == "" || tail.Status == status)
	}, 3*time.Second, 10*time.Millisecond)
	return evs
}

// assertGatesDrained checks that every counter a finished task touched
// returns to zero. Cleanup runs after the last event is published.
func (s *e2eStack) assertGatesDrained(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		assert.Eventually(t, func() bool {
			n, err := s.store.Get(context.Background(), key)
			return err == nil && n == 0
		}, time.Second, 10*time.Millisecond, key)
	}
}

func TestEnqueueToWorkbench(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newE2EStack(t, &flakyModel{})

	res, err := stack.producer.EnsureEnqueued(ctx, task.EnqueueRequest{
		Kind:       gate.KindStream,
		ServiceID:  "svc-1",
		UserID:     "user-1",
		TemplateID: routing.TemplateJobMatch,
		Variables:  map[string]any{"resume": "Go", "job": "Backend"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	evs := stack.awaitEvents(t, res.Channel, events.TypeDone, "")

	view := workbench.Initialize("svc-1", res.Route.Tier)
	for _, ev := range evs {
		view = workbench.Reduce(view, ev)
	}
	assert.Equal(t, workbench.StatusCompleted, view.Status)
	assert.Equal(t, "Strong match.", view.MatchContent)
	assert.Empty(t, view.ErrorKey, "the retried failure is cleared by completion")

	// Replaying the whole stream again changes nothing but the token buffer.
	again := view
	for _, ev := range evs {
		again = workbench.Reduce(again, ev)
	}
	assert.Equal(t, workbench.StatusCompleted, again.Status)

	stack.assertGatesDrained(t,
		gate.ModelKey("gemini-fast", routing.TierFree),
		gate.UserKey("user-1", gate.KindStream),
		gate.QueueKey("free-stream"))
}

func TestSummaryThenMatchOnOneWorkbench(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stack := newE2EStack(t, workflowModel{})
	vars := map[string]any{"resume": "Go", "job": "Backend"}

	summary, err := stack.producer.EnsureEnqueued(ctx, task.EnqueueRequest{
		Kind:       gate.KindBatch,
		ServiceID:  "svc-1",
		UserID:     "user-1",
		TemplateID: routing.TemplateDetailedResumeSummary,
		Variables:  vars,
	})
	require.NoError(t, err)
	require.True(t, summary.OK)
	summaryEvents := stack.awaitEvents(t, summary.Channel, events.TypeStatus, "SUMMARY_COMPLETED")

	match, err := stack.producer.EnsureEnqueued(ctx, task.EnqueueRequest{
		Kind:       gate.KindStream,
		ServiceID:  "svc-1",
		UserID:     "user-1",
		TemplateID: routing.TemplateJobMatch,
		Variables:  vars,
	})
	require.NoError(t, err)
	require.True(t, match.OK)
	require.NotEqual(t, summary.Channel, match.Channel, "each task publishes on its own channel")
	matchEvents := stack.awaitEvents(t, match.Channel, events.TypeDone, "")

	require.Equal(t, int64(1), summaryEvents[0].Seq)
	require.Equal(t, int64(1), matchEvents[0].Seq, "sequences restart on the second task's channel")

	view := workbench.Initialize("svc-1", summary.Route.Tier)
	for _, ev := range summaryEvents {
		view = workbench.Reduce(view, ev)
	}
	assert.Equal(t, workbench.StatusMatchPending, view.Status)

	for _, ev := range matchEvents {
		view = workbench.Reduce(view, ev)
	}
	assert.Equal(t, workbench.StatusCompleted, view.Status)
	assert.Equal(t, "Senior Go dev. Strong fit.", view.MatchContent)
	assert.Equal(t, matchEvents[len(matchEvents)-1].Seq, view.Cursors[match.TaskID])
	assert.Equal(t, summaryEvents[len(summaryEvents)-1].Seq, view.Cursors[summary.TaskID])

	stack.assertGatesDrained(t,
		gate.ModelKey("gemini-fast", routing.TierFree),
		gate.UserKey("user-1", gate.KindBatch),
		gate.UserKey("user-1", gate.KindStream),
		gate.QueueKey("free-structured"),
		gate.QueueKey("free-stream"))
}
