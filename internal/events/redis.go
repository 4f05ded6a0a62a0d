package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker publishes over Redis pub/sub and mirrors every event into a
// capped list, buf:<channel>, so late or reconnecting clients can replay.
type RedisBroker struct {
	client     redis.UniversalClient
	bufferSize int64
	bufferTTL  time.Duration
	logger     *slog.Logger
}

// NewRedisBroker creates a RedisBroker. The caller owns client.
func NewRedisBroker(client redis.UniversalClient, bufferSize int64, bufferTTL time.Duration, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{
		client:     client,
		bufferSize: bufferSize,
		bufferTTL:  bufferTTL,
		logger:     logger.With("component", "redis_event_broker"),
	}
}

var _ Broker = (*RedisBroker)(nil)

func bufferKey(channel string) string { return "buf:" + channel }

func seqKey(channel string) string { return "seq:" + channel }

// Publish implements Publisher.
func (b *RedisBroker) Publish(ctx context.Context, channel string, ev Event) error {
	seq, err := b.client.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return fmt.Errorf("assign event seq: %w", err)
	}
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, channel, data)
		pipe.LPush(ctx, bufferKey(channel), data)
		pipe.LTrim(ctx, bufferKey(channel), 0, b.bufferSize-1)
		pipe.Expire(ctx, bufferKey(channel), b.bufferTTL)
		pipe.Expire(ctx, seqKey(channel), b.bufferTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe implements Subscriber.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("skipping undecodable event", "channel", channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Replay implements Subscriber.
func (b *RedisBroker) Replay(ctx context.Context, channel string, after int64) ([]Event, error) {
	raw, err := b.client.LRange(ctx, bufferKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read event buffer: %w", err)
	}

	// The list is newest first.
	slices.Reverse(raw)

	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		ev, err := Decode([]byte(item))
		if err != nil {
			b.logger.Warn("skipping undecodable buffered event", "channel", channel, "error", err)
			continue
		}
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}
