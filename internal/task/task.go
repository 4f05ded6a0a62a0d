package task

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/gate"
	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/routing"
)

// Variables that carry an inline image. They are lifted out of the prompt
// variables and sent to the model as image data.
const (
	VarImageBase64   = "imageBase64"
	VarImageMIMEType = "imageMimeType"
)

var validate = validator.New()

// Task is the payload carried by the queue. It is never mutated after
// creation except for RetryCount on a redelivery; outcomes travel as events.
type Task struct {
	TaskID          string         `json:"taskId" validate:"required,uuid"`
	UserID          string         `json:"userId" validate:"required,max=128"`
	ServiceID       string         `json:"serviceId" validate:"required,max=128"`
	Locale          string         `json:"locale,omitempty" validate:"omitempty,max=35"`
	TemplateID      string         `json:"templateId" validate:"required,max=64"`
	Variables       map[string]any `json:"variables,omitempty"`
	Kind            gate.Kind      `json:"kind" validate:"required,oneof=stream batch"`
	PreferReasoning bool           `json:"preferReasoning,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueuedAt" validate:"required"`
	RetryCount      int            `json:"retryCount" validate:"gte=0"`

	// Route is pinned when the task is admitted. Deliveries re-derive it only
	// to detect a tier change.
	Route routing.Decision `json:"route"`

	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// Decode parses and validates a delivered payload. Any failure wraps
// ErrPoisonMessage. When the JSON parsed, the partial task is returned with
// the error so the caller can still address the task's channel.
func Decode(payload []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}
	if err := t.Validate(); err != nil {
		return &t, err
	}
	return &t, nil
}

// Validate checks the task fields, the pinned route and any inline image.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}
	if t.Route.ModelID == "" || t.Route.QueueID == "" {
		return fmt.Errorf("%w: missing route", ErrPoisonMessage)
	}
	if _, err := t.Image(); err != nil {
		return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}
	return nil
}

// Encode returns the task's wire form.
func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Channel returns the event channel for the task.
func (t *Task) Channel() string {
	return events.ChannelName(t.UserID, t.ServiceID, t.TaskID)
}

// HasImage reports whether the task carries an inline image.
func (t *Task) HasImage() bool {
	return HasImage(t.Variables)
}

// HasImage reports whether vars carry an inline image.
func HasImage(vars map[string]any) bool {
	s, ok := vars[VarImageBase64].(string)
	return ok && s != ""
}

// Image decodes the inline image, or returns nil when there is none.
func (t *Task) Image() (*generation.Image, error) {
	if !t.HasImage() {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(t.Variables[VarImageBase64].(string))
	if err != nil {
		return nil, fmt.Errorf("invalid image encoding: %w", err)
	}
	mime, _ := t.Variables[VarImageMIMEType].(string)
	if mime == "" {
		mime = "image/png"
	}
	return &generation.Image{Data: data, MIMEType: mime}, nil
}

// RouteOptions returns the router options the task was admitted with.
func (t *Task) RouteOptions() routing.Options {
	return routing.Options{HasImage: t.HasImage(), PreferReasoning: t.PreferReasoning}
}

// Stage returns the event stage the task reports under.
func (t *Task) Stage() routing.Stage {
	return routing.StageFor(t.TemplateID, t.HasImage())
}

// Request builds the model request for the pinned route.
func (t *Task) Request(jsonOutput bool) (generation.Request, error) {
	img, err := t.Image()
	if err != nil {
		return generation.Request{}, err
	}
	vars := maps.Clone(t.Variables)
	delete(vars, VarImageBase64)
	delete(vars, VarImageMIMEType)

	return generation.Request{
		ModelID:    t.Route.ModelID,
		TemplateID: t.TemplateID,
		Locale:     t.Locale,
		Variables:  vars,
		Image:      img,
		JSON:       jsonOutput,
	}, nil
}

// Retry returns a copy of the task for its next delivery.
func (t *Task) Retry() *Task {
	next := *t
	next.RetryCount++
	return &next
}
