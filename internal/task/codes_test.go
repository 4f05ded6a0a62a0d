package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/jobfit/internal/gatestore"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout, true},
		{"transient", fmt.Errorf("%w: 503", generation.ErrTransientFailure), CodeProviderError, true},
		{"store", gatestore.ErrStoreUnavailable, CodeStoreUnavailable, true},
		{"invalid response", generation.ErrInvalidResponse, CodeInvalidOutput, false},
		{"blocked", generation.ErrContentBlocked, CodeContentBlocked, false},
		{"unsupported", generation.ErrUnsupportedInput, CodeUnsupportedInput, false},
		{"config", generation.ErrInvalidConfig, CodeProviderConfig, false},
		{"poison", ErrPoisonMessage, CodePoisonMessage, false},
		{"unknown", errors.New("boom"), CodeInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.code, c.Code)
			assert.Equal(t, tt.retryable, c.Retryable)
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	maxDelay := 30 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(0, base, maxDelay))
	assert.Equal(t, 4*time.Second, Backoff(1, base, maxDelay))
	assert.Equal(t, 16*time.Second, Backoff(3, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(4, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(200, base, maxDelay), "large retry counts do not overflow")
	assert.Zero(t, Backoff(3, 0, maxDelay))
}

func TestMessageFallsBack(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "The task failed.", Message("something_new"))
	assert.NotEqual(t, Message(CodeTimeout), Message(CodeBackpressure))
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metadata string
		want     TokenUsage
	}{
		{"camel case", `{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4}}`, TokenUsage{10, 4, true}},
		{"snake case", `{"usage_metadata":{"prompt_token_count":7,"candidates_token_count":2}}`, TokenUsage{7, 2, true}},
		{"openai style", `{"usage":{"prompt_tokens":3,"completion_tokens":9}}`, TokenUsage{3, 9, true}},
		{"input only", `{"usage":{"input_tokens":5}}`, TokenUsage{Input: 5}},
		{"string counts ignored", `{"usage":{"output_tokens":"12"}}`, TokenUsage{}},
		{"empty", ``, TokenUsage{}},
		{"not json", `garbage`, TokenUsage{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractUsage([]byte(tt.metadata)))
		})
	}
}

func TestIdleWatch(t *testing.T) {
	t.Parallel()

	t.Run("fires while idle", func(t *testing.T) {
		t.Parallel()
		var n atomic.Int32
		w := newIdleWatch(10*time.Millisecond, func() { n.Add(1) })
		defer w.stop()

		assert.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("silent after stop", func(t *testing.T) {
		t.Parallel()
		var n atomic.Int32
		w := newIdleWatch(10*time.Millisecond, func() { n.Add(1) })
		w.stop()
		w.touch()

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, n.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		w := newIdleWatch(0, func() { t.Error("notify called") })
		w.touch()
		w.stop()
	})
}

func TestDetachRecoversPanics(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Detach(ctx, discardLogger(), "panics", func(ctx context.Context) error {
		defer close(done)
		assert.NoError(t, ctx.Err(), "detached work outlives the caller's context")
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached function did not run")
	}
}
