package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Output is one persisted task result.
type Output struct {
	TaskID     string
	UserID     string
	ServiceID  string
	TemplateID string
	ModelID    string
	Content    string
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// OutputStore persists task outputs. Writes are keyed by task id so a
// redelivered task never produces a second row.
type OutputStore struct {
	db     DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewOutputStore creates an OutputStore.
func NewOutputStore(db DBTX, logger *slog.Logger) *OutputStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputStore{
		db:     db,
		logger: logger.With("component", "output_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveOutput inserts the output unless a row for the task already exists.
// It returns true when this call wrote the row.
func (s *OutputStore) SaveOutput(ctx context.Context, out Output) (bool, error) {
	const query = `
		INSERT INTO task_outputs (task_id, user_id, service_id, template_id, model_id, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO NOTHING
	`

	if out.TaskID == "" {
		return false, fmt.Errorf("%w: empty task id", ErrInvalidEntity)
	}

	metadata := out.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	createdAt := out.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tag, err := s.db.Exec(ctx, query,
		out.TaskID,
		out.UserID,
		out.ServiceID,
		out.TemplateID,
		out.ModelID,
		out.Content,
		[]byte(metadata),
		createdAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save task output", "task_id", out.TaskID, "error", err)
		return false, fmt.Errorf("failed to save task output: %w", MapError(err))
	}

	if tag.RowsAffected() == 0 {
		s.logger.DebugContext(ctx, "task output already persisted", "task_id", out.TaskID)
		return false, nil
	}
	return true, nil
}

// HasOutput reports whether an output for the task was already persisted.
func (s *OutputStore) HasOutput(ctx context.Context, taskID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM task_outputs WHERE task_id = $1)`

	var exists bool
	if err := s.db.QueryRow(ctx, query, taskID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task output: %w", MapError(err))
	}
	return exists, nil
}
