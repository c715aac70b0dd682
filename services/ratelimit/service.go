package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/services"
	"go.uber.org/zap"
)

// Counter is the fixed-window counter of one identity
type Counter = models.RateCounter

// CounterStore is the shared counter store behind the limiter.
// Increment must be atomic per key: create or reset an expired counter to 1
// with a fresh expiry, otherwise add 1, and return the post-increment value.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
}

// FailurePolicy decides what happens when the counter store is unreachable
type FailurePolicy string

const (
	FailOpen   FailurePolicy = config.FailurePolicyOpen
	FailClosed FailurePolicy = config.FailurePolicyClosed
)

// KeyPrefix namespaces rate limit counters in shared stores
const KeyPrefix = "rate_limit:"

// Config holds the quota applied by Allow
type Config struct {
	Limit         int
	Window        time.Duration
	FailurePolicy FailurePolicy
}

// ConfigFromSettings converts the loaded configuration
func ConfigFromSettings(cfg config.RateLimitConfig) Config {
	policy := FailurePolicy(cfg.FailurePolicy)
	if policy == "" {
		policy = FailOpen
	}
	return Config{
		Limit:         cfg.MaxRequests,
		Window:        cfg.Window,
		FailurePolicy: policy,
	}
}

// Result is the outcome of a quota check
type Result struct {
	Allowed   bool      `json:"allowed"`
	Count     int64     `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded is set when the decision was taken without the counter store
	Degraded bool `json:"degraded,omitempty"`
}

// Service enforces a per-identity request quota over a fixed window
type Service struct {
	store   CounterStore
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a new rate limit service
func NewService(store CounterStore, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Config returns the quota used by Allow
func (s *Service) Config() Config {
	return s.cfg
}

// Allow checks and counts one request of identity against the configured quota
func (s *Service) Allow(ctx context.Context, identity string) (*Result, error) {
	return s.CheckAndIncrement(ctx, identity, s.cfg.Limit, s.cfg.Window)
}

// CheckAndIncrement counts one request of identity and reports whether it fits
// in limit requests per window. The request is counted before the comparison,
// so a rejected request still consumes the window.
func (s *Service) CheckAndIncrement(ctx context.Context, identity string, limit int, window time.Duration) (*Result, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, services.ErrMissingIdentity
	}
	if limit <= 0 || window <= 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("invalid quota: limit=%d window=%s", limit, window), nil)
	}

	counter, err := s.store.Increment(ctx, buildKey(identity), window)
	if err != nil {
		return s.degraded(identity, limit, window, err), nil
	}

	result := &Result{
		Allowed:   counter.Count <= int64(limit),
		Count:     counter.Count,
		Limit:     limit,
		Remaining: remaining(limit, counter.Count),
		ResetAt:   counter.ExpiresAt,
	}

	if !result.Allowed {
		s.metrics.RateLimitRejected()
		s.logger.Info("rate limit exceeded",
			zap.String("user_id", identity),
			zap.Int64("count", counter.Count),
			zap.Int("limit", limit),
			zap.Time("reset_at", counter.ExpiresAt))
	}

	return result, nil
}

// degraded builds the decision taken when the store failed
func (s *Service) degraded(identity string, limit int, window time.Duration, cause error) *Result {
	allowed := s.cfg.FailurePolicy != FailClosed
	decision := "denied"
	if allowed {
		decision = "allowed"
	}

	s.metrics.RateLimitDegraded(decision)
	s.logger.Warn("rate limiter degraded",
		zap.String("user_id", identity),
		zap.String("policy", string(s.cfg.FailurePolicy)),
		zap.String("decision", decision),
		zap.Error(cause))

	result := &Result{
		Allowed:  allowed,
		Limit:    limit,
		ResetAt:  time.Now().Add(window),
		Degraded: true,
	}
	if allowed {
		result.Remaining = limit
	}
	return result
}

func buildKey(identity string) string {
	return KeyPrefix + identity
}

func remaining(limit int, count int64) int {
	left := int64(limit) - count
	if left < 0 {
		return 0
	}
	return int(left)
}
