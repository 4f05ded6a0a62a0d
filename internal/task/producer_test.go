package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureEnqueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := matchRequest("user-1")
	req.RequestID = "req-1"
	req.TraceID = "trace-1"

	res, err := f.producer.EnsureEnqueued(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = uuid.Parse(res.TaskID)
	assert.NoError(t, err, "a task id is generated")
	assert.Equal(t, "events:user-1:svc-1:"+res.TaskID, res.Channel)
	assert.Equal(t, routing.Decision{
		Tier:    routing.TierFree,
		ModelID: "gemini-fast",
		QueueID: "free-stream",
		Worker:  routing.WorkerStream,
	}, res.Route)

	pub := f.queue.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "free-stream", pub[0].queueID)
	assert.Zero(t, pub[0].delay)
	assert.Equal(t, res.TaskID, pub[0].task.TaskID)
	assert.Equal(t, res.Route, pub[0].task.Route)
	assert.Equal(t, "req-1", pub[0].task.RequestID)
	assert.Zero(t, pub[0].task.RetryCount)

	assert.Equal(t, int64(1), f.counter(t, gate.QueueKey("free-stream")))
}

func TestEnsureEnqueuedKeepsCallerTaskID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := matchRequest("user-1")
	req.TaskID = uuid.NewString()

	res, err := f.producer.EnsureEnqueued(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.TaskID, res.TaskID)
}

func TestEnsureEnqueuedPaidRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.quota.HasQuotaFn = func(context.Context, string) (bool, error) { return true, nil }

	req := summaryRequest("user-1")
	req.PreferReasoning = true
	res, err := f.producer.EnsureEnqueued(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gemini-reasoning", res.Route.ModelID)
	assert.Equal(t, "paid-structured", res.Route.QueueID)

	img := matchRequest("user-2")
	img.Variables = map[string]any{task.VarImageBase64: "aGVsbG8=", task.VarImageMIMEType: "image/jpeg"}
	res, err = f.producer.EnsureEnqueued(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, "gemini-vision", res.Route.ModelID)
	assert.Equal(t, "paid-vision", res.Route.QueueID)
	assert.Equal(t, routing.WorkerStructured, res.Route.Worker)
}

func TestEnsureEnqueuedRejections(t *testing.T) {
	t.Parallel()

	t.Run("invalid request", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := matchRequest("user-1")
		req.TemplateID = ""

		res, err := f.producer.EnsureEnqueued(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, task.CodeInvalidRequest, res.Error)
		assert.Empty(t, f.queue.Published())
	})

	t.Run("bad image encoding", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		req := matchRequest("user-1")
		req.Variables = map[string]any{task.VarImageBase64: "%%%"}

		res, err := f.producer.EnsureEnqueued(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, task.CodeInvalidRequest, res.Error)
		assert.Zero(t, f.counter(t, gate.QueueKey("free-vision")), "counter released")

		ok, err := f.locker.Acquire(context.Background(), "user-1", req.TemplateID)
		require.NoError(t, err)
		assert.True(t, ok, "lock released")
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(g *config.GateConfig, _ *task.PipelineConfig, _ *task.PipelineDeps) {
			g.RateLimitPerWindow = 1
		})

		_, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.NoError(t, err)

		res, err := f.producer.EnsureEnqueued(context.Background(), summaryRequest("user-1"))
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, task.CodeRateLimited, res.Error)
		assert.Equal(t, time.Minute, res.RetryAfter)
	})

	t.Run("already running", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		first, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.NoError(t, err)
		require.True(t, first.OK)

		res, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, task.CodeConcurrencyLocked, res.Error)

		other, err := f.producer.EnsureEnqueued(context.Background(), summaryRequest("user-1"))
		require.NoError(t, err)
		assert.True(t, other.OK, "a different task kind is not locked")
	})

	t.Run("backpressured", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(g *config.GateConfig, _ *task.PipelineConfig, _ *task.PipelineDeps) {
			g.QueueMaxPending = map[string]int64{"free-stream": 1}
		})

		first, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.NoError(t, err)
		require.True(t, first.OK)

		res, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-2"))
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, task.CodeBackpressured, res.Error)
		assert.Equal(t, 5*time.Second, res.RetryAfter)
		assert.Equal(t, int64(1), f.counter(t, gate.QueueKey("free-stream")))

		ok, err := f.locker.Acquire(context.Background(), "user-2", routing.TemplateJobMatch)
		require.NoError(t, err)
		assert.True(t, ok, "a rejected enqueue gives its lock back")
	})
}

func TestEnsureEnqueuedBackpressureCeiling(t *testing.T) {
	t.Parallel()

	const ceiling = 4
	f := newFixture(t, func(g *config.GateConfig, _ *task.PipelineConfig, _ *task.PipelineDeps) {
		g.QueueMaxPending = map[string]int64{"free-stream": ceiling}
	})

	accepted, rejectedN := 0, 0
	for i := range 10 {
		res, err := f.producer.EnsureEnqueued(context.Background(), matchRequest(uuid.NewString()))
		require.NoError(t, err, "call %d", i)
		if res.OK {
			accepted++
		} else {
			rejectedN++
			assert.Equal(t, task.CodeBackpressured, res.Error)
		}
	}
	assert.Equal(t, ceiling, accepted)
	assert.Equal(t, 10-ceiling, rejectedN)
}

func TestEnsureEnqueuedInfrastructureFailures(t *testing.T) {
	t.Parallel()

	t.Run("quota lookup", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.quota.HasQuotaFn = func(context.Context, string) (bool, error) {
			return false, errors.New("connection refused")
		}

		res, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.Error(t, err)
		assert.Equal(t, task.CodeUnavailable, res.Error)

		ok, err := f.locker.Acquire(context.Background(), "user-1", routing.TemplateJobMatch)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("publish", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.queue.PublishFn = func(context.Context, string, *task.Task, time.Duration) error {
			return errors.New("queue down")
		}

		res, err := f.producer.EnsureEnqueued(context.Background(), matchRequest("user-1"))
		require.Error(t, err)
		assert.False(t, res.OK)
		assert.Zero(t, f.counter(t, gate.QueueKey("free-stream")))

		ok, err := f.locker.Acquire(context.Background(), "user-1", routing.TemplateJobMatch)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestNewProducerValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := task.NewProducer(nil, nil, nil, nil, nil, nil, task.ProducerConfig{}, nil)
	assert.ErrorIs(t, err, task.ErrNilGates)
}
