package events_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChannelName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "events:u1:svc-9:task-3", events.ChannelName("u1", "svc-9", "task-3"))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	ev, err := events.Decode([]byte(`{"type":"status","taskId":"t1","status":"SUMMARY_FAILED","failureCode":"PREVIOUS_OCR_FAILED","seq":4}`))
	require.NoError(t, err)
	assert.Equal(t, events.TypeStatus, ev.Type)
	assert.Equal(t, "PREVIOUS_OCR_FAILED", ev.FailureCode)
	assert.Equal(t, int64(4), ev.Seq)

	_, err = events.Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func brokers(t *testing.T) map[string]events.Broker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]events.Broker{
		"memory": events.NewInMemoryBroker(3, 8, discard()),
		"redis":  events.NewRedisBroker(client, 3, time.Hour, discard()),
	}
}

func TestReplayAssignsSeqAndCaps(t *testing.T) {
	t.Parallel()

	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ch := events.ChannelName("u1", "s1", "t1")

			for _, text := range []string{"a", "b", "c", "d"} {
				require.NoError(t, b.Publish(ctx, ch, events.Event{Type: events.TypeToken, Text: text}))
			}

			got, err := b.Replay(ctx, ch, 0)
			require.NoError(t, err)
			require.Len(t, got, 3, "ring keeps the newest three")
			assert.Equal(t, []int64{2, 3, 4}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})
			assert.Equal(t, "b", got[0].Text)

			got, err = b.Replay(ctx, ch, 3)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "d", got[0].Text)

			got, err = b.Replay(ctx, events.ChannelName("u1", "s1", "other"), 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	t.Parallel()

	for name, b := range brokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch := events.ChannelName("u2", "s1", "t1")

			sub, err := b.Subscribe(ctx, ch)
			require.NoError(t, err)

			require.NoError(t, b.Publish(ctx, ch, events.Event{Type: events.TypeStart, QueueID: "free-stream"}))
			require.NoError(t, b.Publish(ctx, ch, events.Event{Type: events.TypeDone}))

			var got []events.Event
			for len(got) < 2 {
				select {
				case ev := <-sub:
					got = append(got, ev)
				case <-time.After(2 * time.Second):
					t.Fatal("timed out waiting for events")
				}
			}
			assert.Equal(t, events.TypeStart, got[0].Type)
			assert.Equal(t, "free-stream", got[0].QueueID)
			assert.Equal(t, events.TypeDone, got[1].Type)

			cancel()
			select {
			case _, ok := <-sub:
				for ok {
					_, ok = <-sub
				}
			case <-time.After(2 * time.Second):
				t.Fatal("subscription not closed after cancel")
			}
		})
	}
}

func TestInMemoryBrokerDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := events.NewInMemoryBroker(10, 1, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "c", events.Event{Type: events.TypeToken, Text: "1"}))
	require.NoError(t, b.Publish(ctx, "c", events.Event{Type: events.TypeToken, Text: "2"}))

	ev := <-sub
	assert.Equal(t, "1", ev.Text)

	replayed, err := b.Replay(ctx, "c", ev.Seq)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "2", replayed[0].Text)
}

func TestEmitterStampsIdentifiers(t *testing.T) {
	t.Parallel()

	b := events.NewInMemoryBroker(50, 8, discard())
	ctx := context.Background()
	em := events.NewEmitter(b, "chan", "task-1", "req-1", "trace-1", discard())

	em.Start(ctx, "match", "free-stream", 5*time.Minute)
	em.Token(ctx, "match", "Hel")
	em.TokenBatch(ctx, "match", "lo")
	em.Info(ctx, "match", "idle", "still working")
	em.Status(ctx, "summary", "SUMMARY_FAILED", "PREVIOUS_OCR_FAILED")
	em.Error(ctx, "match", "model_concurrency", "busy", 1500*time.Millisecond)
	em.Done(ctx, "match", events.Usage{InputTokens: 10, OutputTokens: 20, Latency: 2 * time.Second})

	got, err := b.Replay(ctx, "chan", 0)
	require.NoError(t, err)
	require.Len(t, got, 7)

	for i, ev := range got {
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Equal(t, "req-1", ev.RequestID)
		assert.Equal(t, "trace-1", ev.TraceID)
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	assert.Equal(t, int64(300000), got[0].TimeoutMs)
	assert.Equal(t, events.TypeTokenBatch, got[2].Type)
	assert.Equal(t, "idle", got[3].Code)
	assert.Equal(t, "PREVIOUS_OCR_FAILED", got[4].FailureCode)
	assert.Equal(t, int64(1500), got[5].RetryAfterMs)
	assert.Equal(t, int64(2000), got[6].LatencyMs)
	assert.Equal(t, int64(20), got[6].OutputTokens)
}
