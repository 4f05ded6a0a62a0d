package task_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
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
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockQuota implements task.QuotaChecker.
type MockQuota struct {
	HasQuotaFn func(ctx context.Context, userID string) (bool, error)
}

func (m *MockQuota) HasQuota(ctx context.Context, userID string) (bool, error) {
	if m.HasQuotaFn != nil {
		return m.HasQuotaFn(ctx, userID)
	}
	return false, nil
}

type published struct {
	queueID string
	task    *task.Task
	delay   time.Duration
}

// MockQueue implements task.Queue and records what was published.
type MockQueue struct {
	mu        sync.Mutex
	published []published
	PublishFn func(ctx context.Context, queueID string, t *task.Task, delay time.Duration) error
}

func (m *MockQueue) Publish(ctx context.Context, queueID string, t *task.Task, delay time.Duration) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(ctx, queueID, t, delay); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{queueID: queueID, task: t, delay: delay})
	return nil
}

func (m *MockQueue) Published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

// MockOutputs implements task.OutputStore in memory.
type MockOutputs struct {
	mu      sync.Mutex
	outputs map[string]postgres.Output
	SaveErr error
	HasErr  error
}

func (m *MockOutputs) SaveOutput(_ context.Context, out postgres.Output) (bool, error) {
	if m.SaveErr != nil {
		return false, m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputs == nil {
		m.outputs = make(map[string]postgres.Output)
	}
	if _, ok := m.outputs[out.TaskID]; ok {
		return false, nil
	}
	m.outputs[out.TaskID] = out
	return true, nil
}

func (m *MockOutputs) HasOutput(_ context.Context, taskID string) (bool, error) {
	if m.HasErr != nil {
		return false, m.HasErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.outputs[taskID]
	return ok, nil
}

func (m *MockOutputs) Get(taskID string) (postgres.Output, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[taskID]
	return out, ok
}

// MockUsage implements task.UsageRecorder and hands records to a channel.
type MockUsage struct {
	records chan postgres.Usage
}

func (m *MockUsage) RecordUsage(_ context.Context, u postgres.Usage) error {
	m.records <- u
	return nil
}

// MockModel implements generation.Model.
type MockModel struct {
	GenerateFn func(ctx context.Context, req generation.Request) (*generation.Response, error)
	StreamFn   func(ctx context.Context, req generation.Request) iter.Seq2[generation.Chunk, error]

	mu    sync.Mutex
	calls int
}

func (m *MockModel) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.GenerateFn == nil {
		return nil, errors.New("unexpected Generate call")
	}
	return m.GenerateFn(ctx, req)
}

func (m *MockModel) Stream(ctx context.Context, req generation.Request) iter.Seq2[generation.Chunk, error] {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.StreamFn == nil {
		return func(yield func(generation.Chunk, error) bool) {
			yield(generation.Chunk{}, errors.New("unexpected Stream call"))
		}
	}
	return m.StreamFn(ctx, req)
}

func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// chunks streams texts, with metadata on the last chunk.
func chunks(metadata string, texts ...string) func(context.Context, generation.Request) iter.Seq2[generation.Chunk, error] {
	return func(context.Context, generation.Request) iter.Seq2[generation.Chunk, error] {
		return func(yield func(generation.Chunk, error) bool) {
			for i, text := range texts {
				c := generation.Chunk{Text: text}
				if i == len(texts)-1 && metadata != "" {
					c.Metadata = []byte(metadata)
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

func testRoutingConfig() config.RoutingConfig {
	return config.RoutingConfig{
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
		StreamingTemplates:  []string{routing.TemplateJobMatch, routing.TemplateInterviewPrep},
	}
}

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		ProviderCeilings:       map[string]int64{"gemini": 2},
		DefaultModelCeiling:    2,
		StreamUserCeiling:      1,
		BatchUserCeiling:       2,
		QueueMaxPending:        map[string]int64{},
		DefaultQueueMaxPending: 10,
		ActiveTTLSec:           600,
		PendingTTLSec:          1800,
		LockTTLSec:             900,
		RateLimitPerWindow:     100,
		RateLimitWindowSec:     60,
	}
}

func testPipelineConfig() task.PipelineConfig {
	return task.PipelineConfig{
		MaxRetries:        3,
		RetryBaseDelay:    2 * time.Second,
		GuardRetryDelay:   time.Second,
		MaxBackoff:        time.Minute,
		StreamTimeout:     5 * time.Minute,
		StructuredTimeout: 2 * time.Minute,
		IdleNotice:        time.Hour,
		TokenBatchSize:    1,
	}
}

type fixture struct {
	clock    *clock
	store    *gatestore.MemoryStore
	gates    *gate.Gates
	locker   *lock.Locker
	router   *routing.Router
	broker   *events.InMemoryBroker
	quota    *MockQuota
	queue    *MockQueue
	outputs  *MockOutputs
	usage    *MockUsage
	model    *MockModel
	producer *task.Producer
	pipeline *task.Pipeline
}

type fixtureOption func(*config.GateConfig, *task.PipelineConfig, *task.PipelineDeps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := gatestore.NewMemoryStoreWithClock(c.Now)

	gateCfg := testGateConfig()
	pipeCfg := testPipelineConfig()

	f := &fixture{
		clock:   c,
		store:   store,
		router:  routing.NewRouter(testRoutingConfig()),
		broker:  events.NewInMemoryBroker(500, 256, logger),
		quota:   &MockQuota{},
		queue:   &MockQueue{},
		outputs: &MockOutputs{},
		usage:   &MockUsage{records: make(chan postgres.Usage, 16)},
		model:   &MockModel{},
	}

	deps := task.PipelineDeps{
		Router:    f.router,
		Quota:     f.quota,
		Model:     f.model,
		Outputs:   f.outputs,
		Usage:     f.usage,
		Queue:     f.queue,
		Publisher: f.broker,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&gateCfg, &pipeCfg, &deps)
	}

	f.gates = gate.New(store, gateCfg)
	f.locker = lock.New(store, time.Duration(gateCfg.LockTTLSec)*time.Second)
	deps.Gates = f.gates
	deps.Locker = f.locker

	var err error
	f.producer, err = task.NewProducer(f.gates, f.locker, f.router, f.quota, f.queue, nil,
		task.ProducerConfig{BackpressureRetry: 5 * time.Second}, logger)
	require.NoError(t, err)
	f.pipeline, err = task.NewPipeline(deps, pipeCfg)
	require.NoError(t, err)

	return f
}

// enqueue admits a request and returns the task the producer published.
func (f *fixture) enqueue(t *testing.T, req task.EnqueueRequest) *task.Task {
	t.Helper()
	res, err := f.producer.EnsureEnqueued(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK, "enqueue rejected: %s", res.Error)
	pub := f.queue.Published()
	require.NotEmpty(t, pub)
	return pub[len(pub)-1].task
}

func (f *fixture) deliver(t *testing.T, tk *task.Task) (task.Outcome, error) {
	t.Helper()
	payload, err := tk.Encode()
	require.NoError(t, err)
	return f.pipeline.Handle(context.Background(), payload)
}

func (f *fixture) events(t *testing.T, tk *task.Task) []events.Event {
	t.Helper()
	evs, err := f.broker.Replay(context.Background(), tk.Channel(), 0)
	require.NoError(t, err)
	return evs
}

func (f *fixture) counter(t *testing.T, key string) int64 {
	t.Helper()
	n, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return n
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func matchRequest(userID string) task.EnqueueRequest {
	return task.EnqueueRequest{
		Kind:       gate.KindStream,
		ServiceID:  "svc-1",
		UserID:     userID,
		Locale:     "en",
		TemplateID: routing.TemplateJobMatch,
		Variables:  map[string]any{"resume": "Go engineer", "job": "Backend role"},
	}
}

func summaryRequest(userID string) task.EnqueueRequest {
	return task.EnqueueRequest{
		Kind:       gate.KindBatch,
		ServiceID:  "svc-1",
		UserID:     userID,
		TemplateID: routing.TemplateDetailedResumeSummary,
		Variables:  map[string]any{"resume": "Go engineer"},
	}
}
