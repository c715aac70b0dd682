package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"go.uber.org/zap"
)

// RateCounterStore keeps fixed-window counters in the rate_counters table
type RateCounterStore struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRateCounterStore creates a new postgres-backed counter store
func NewRateCounterStore(db *DB, logger *zap.Logger) repositories.RateCounterStore {
	return &RateCounterStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Increment creates, resets or bumps the counter in one statement so concurrent
// callers serialize on the row lock.
func (s *RateCounterStore) Increment(ctx context.Context, key string, window time.Duration) (models.RateCounter, error) {
	query := `
		INSERT INTO rate_counters (key, count, expires_at)
		VALUES ($1, 1, $3)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= $2 THEN 1 ELSE rate_counters.count + 1 END,
			expires_at = CASE WHEN rate_counters.expires_at <= $2 THEN $3 ELSE rate_counters.expires_at END
		RETURNING key, count, expires_at
	`

	now := s.now().UTC()
	counter := models.RateCounter{}

	executor := GetExecutor(ctx, s.db)
	err := executor.QueryRowContext(ctx, query, key, now, now.Add(window)).
		Scan(&counter.Key, &counter.Count, &counter.ExpiresAt)
	if err != nil {
		return models.RateCounter{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	return counter, nil
}

// CleanupExpired deletes counters whose window has closed
func (s *RateCounterStore) CleanupExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM rate_counters WHERE expires_at <= $1`

	executor := GetExecutor(ctx, s.db)
	result, err := executor.ExecContext(ctx, query, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rate counters: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		s.logger.Debug("expired rate counters removed", zap.Int64("count", deleted))
	}
	return deleted, nil
}
