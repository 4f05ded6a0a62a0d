package postgres

import (
	"context"
	"fmt"
	"time"
)

// Usage is one analytics record for a finished model call.
type Usage struct {
	TaskID       string
	UserID       string
	ServiceID    string
	TemplateID   string
	ModelID      string
	Tier         string
	Outcome      string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// UsageStore appends usage analytics rows.
type UsageStore struct {
	db DBTX
}

// NewUsageStore creates a UsageStore.
func NewUsageStore(db DBTX) *UsageStore {
	return &UsageStore{db: db}
}

// RecordUsage inserts one usage row.
func (s *UsageStore) RecordUsage(ctx context.Context, u Usage) error {
	const query = `
		INSERT INTO task_usage
			(task_id, user_id, service_id, template_id, model_id, tier, outcome, input_tokens, output_tokens, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		u.TaskID,
		u.UserID,
		u.ServiceID,
		u.TemplateID,
		u.ModelID,
		u.Tier,
		u.Outcome,
		u.InputTokens,
		u.OutputTokens,
		u.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", MapError(err))
	}
	return nil
}
