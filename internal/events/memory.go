package events

import (
	"context"
	"log/slog"
	"sync"
)

type channelState struct {
	seq  int64
	ring []Event
	subs map[chan Event]struct{}
}

// InMemoryBroker is an in-process Broker. Slow subscribers lose events rather
// than block the publisher; they can recover them through Replay.
type InMemoryBroker struct {
	mu         sync.Mutex
	channels   map[string]*channelState
	bufferSize int
	backlog    int
	logger     *slog.Logger
}

// NewInMemoryBroker creates a broker keeping bufferSize events per channel and
// buffering backlog events per subscriber.
func NewInMemoryBroker(bufferSize, backlog int, logger *slog.Logger) *InMemoryBroker {
	return &InMemoryBroker{
		channels:   make(map[string]*channelState),
		bufferSize: bufferSize,
		backlog:    backlog,
		logger:     logger.With("component", "in_memory_event_broker"),
	}
}

var _ Broker = (*InMemoryBroker)(nil)

func (b *InMemoryBroker) state(channel string) *channelState {
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{subs: make(map[chan Event]struct{})}
		b.channels[channel] = st
	}
	return st
}

// Publish implements Publisher.
func (b *InMemoryBroker) Publish(_ context.Context, channel string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(channel)
	st.seq++
	ev.Seq = st.seq

	st.ring = append(st.ring, ev)
	if over := len(st.ring) - b.bufferSize; over > 0 {
		st.ring = append([]Event(nil), st.ring[over:]...)
	}

	for sub := range st.subs {
		select {
		case sub <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"channel", channel,
				"seq", ev.Seq,
				"event_type", ev.Type)
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (b *InMemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	sub := make(chan Event, b.backlog)

	b.mu.Lock()
	b.state(channel).subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.state(channel).subs, sub)
		b.mu.Unlock()
		close(sub)
	}()
	return sub, nil
}

// Replay implements Subscriber.
func (b *InMemoryBroker) Replay(_ context.Context, channel string, after int64) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.channels[channel]
	if !ok {
		return nil, nil
	}
	var out []Event
	for _, ev := range st.ring {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}
