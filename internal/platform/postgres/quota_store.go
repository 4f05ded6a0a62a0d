package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// QuotaStore reads the remaining paid quota for a user. The billing ledger
// that maintains user_quotas is owned elsewhere; the dispatch core only reads.
type QuotaStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewQuotaStore creates a QuotaStore.
func NewQuotaStore(db DBTX, logger *slog.Logger) *QuotaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaStore{db: db, logger: logger.With("component", "quota_store")}
}

// HasQuota reports whether the user has paid quota left. A user without a
// quota row is on the free tier.
func (s *QuotaStore) HasQuota(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT remaining FROM user_quotas WHERE user_id = $1`

	var remaining int64
	err := s.db.QueryRow(ctx, query, userID).Scan(&remaining)
	if err != nil {
		err = MapError(err)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		s.logger.ErrorContext(ctx, "failed to read quota", "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to read quota: %w", err)
	}

	return remaining > 0, nil
}
