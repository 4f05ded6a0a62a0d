package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Type is the event discriminator.
type Type string

const (
	TypeStart      Type = "start"
	TypeToken      Type = "token"
	TypeTokenBatch Type = "token_batch"
	TypeStatus     Type = "status"
	TypeInfo       Type = "info"
	TypeError      Type = "error"
	TypeDone       Type = "done"
)

// Event is one lifecycle notification for a task. Only the fields relevant to
// Type are set. Seq is assigned by the broker and increases per channel.
type Event struct {
	Type         Type   `json:"type"`
	TaskID       string `json:"taskId"`
	Stage        string `json:"stage,omitempty"`
	Code         string `json:"code,omitempty"`
	Status       string `json:"status,omitempty"`
	FailureCode  string `json:"failureCode,omitempty"`
	Message      string `json:"message,omitempty"`
	Text         string `json:"text,omitempty"`
	RetryAfterMs int64  `json:"retryAfter,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
	QueueID      string `json:"queueId,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	LatencyMs    int64  `json:"latencyMs,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	TraceID      string `json:"traceId,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
}

// ChannelName returns the channel for one task of one user's service.
func ChannelName(userID, serviceID, taskID string) string {
	return fmt.Sprintf("events:%s:%s:%s", userID, serviceID, taskID)
}

// Decode parses an event from its JSON form.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Publisher sends events to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// Subscriber reads events from a channel.
type Subscriber interface {
	// Subscribe delivers live events until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)

	// Replay returns buffered events with Seq greater than after, oldest first.
	Replay(ctx context.Context, channel string, after int64) ([]Event, error)
}

// Broker is both ends of the event channel.
type Broker interface {
	Publisher
	Subscriber
}
