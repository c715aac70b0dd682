package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"github.com/upb/computer-use-api/services"
	"go.uber.org/zap"
)

var (
	// ErrAuditBufferFull is returned when the shard queue of an entry is full
	ErrAuditBufferFull = errors.New("audit event buffer full")
	// ErrAuditNotStarted is returned when entries arrive before Start or after Stop
	ErrAuditNotStarted = errors.New("audit service not running")
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Config holds configuration for the AuditService
type Config struct {
	Enabled       bool          // When false Record accepts and discards entries
	BufferSize    int           // Total queued entries across all shards
	WorkerCount   int           // Number of shards, one worker each
	InsertTimeout time.Duration // Deadline of a single repository insert
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1000,
		WorkerCount:   4,
		InsertTimeout: 5 * time.Second,
	}
}

// ConfigFromSettings converts the loaded configuration
func ConfigFromSettings(cfg config.AuditConfig) Config {
	return Config{
		Enabled:       cfg.Enabled,
		BufferSize:    cfg.BufferSize,
		WorkerCount:   cfg.Workers,
		InsertTimeout: cfg.InsertTimeout,
	}
}

// AuditService writes audit entries asynchronously and serves audit queries.
//
// Entries are routed to a shard by AuditLog.ShardKey, and each shard is drained
// by exactly one worker, so all entries of one session are inserted in the order
// they were recorded.
type AuditService struct {
	auditRepo repositories.AuditRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	config    Config

	shards []chan *models.AuditLog
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *AuditService {
	defaults := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = defaults.InsertTimeout
	}

	perShard := cfg.BufferSize / cfg.WorkerCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]chan *models.AuditLog, cfg.WorkerCount)
	for i := range shards {
		shards[i] = make(chan *models.AuditLog, perShard)
	}

	return &AuditService{
		auditRepo: auditRepo,
		logger:    logger,
		metrics:   metrics,
		config:    cfg,
		shards:    shards,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i, shard := range s.shards {
		s.wg.Add(1)
		go s.worker(i, shard)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Bool("enabled", s.config.Enabled),
		zap.Int("worker_count", len(s.shards)),
		zap.Int("buffer_size", s.config.BufferSize))

	return nil
}

// Stop stops accepting entries and waits for queued ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrAuditNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := s.pendingLocked()
	for _, shard := range s.shards {
		close(shard)
	}
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues an entry for writing. It never blocks; a full shard drops the
// entry and returns ErrAuditBufferFull.
func (s *AuditService) Record(entry *models.AuditLog) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		s.dropped(entry, "not_started", ErrAuditNotStarted)
		return ErrAuditNotStarted
	}

	select {
	case s.shards[s.shardFor(entry)] <- entry:
		return nil
	default:
		s.dropped(entry, "buffer_full", ErrAuditBufferFull)
		return ErrAuditBufferFull
	}
}

func (s *AuditService) dropped(entry *models.AuditLog, reason string, err error) {
	s.metrics.AuditWriteFailed(reason)
	s.logger.Error("dropping audit event",
		zap.Error(err),
		zap.String("action", string(entry.Action)),
		zap.String("shard_key", entry.ShardKey()))
}

func (s *AuditService) shardFor(entry *models.AuditLog) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entry.ShardKey()))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// worker drains one shard
func (s *AuditService) worker(id int, shard <-chan *models.AuditLog) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for entry := range shard {
		if err := s.processEvent(entry); err != nil {
			s.metrics.AuditWriteFailed("insert")
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(entry.Action)),
				zap.String("shard_key", entry.ShardKey()))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// processEvent writes a single audit entry
func (s *AuditService) processEvent(entry *models.AuditLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.InsertTimeout)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Enabled:       s.config.Enabled,
		BufferSize:    s.config.BufferSize,
		PendingEvents: s.pendingLocked(),
		WorkerCount:   len(s.shards),
		Started:       s.started && !s.stopped,
	}
}

func (s *AuditService) pendingLocked() int {
	pending := 0
	for _, shard := range s.shards {
		pending += len(shard)
	}
	return pending
}

// Stats represents audit service statistics
type Stats struct {
	Enabled       bool `json:"enabled"`
	BufferSize    int  `json:"buffer_size"`
	PendingEvents int  `json:"pending_events"`
	WorkerCount   int  `json:"worker_count"`
	Started       bool `json:"started"`
}

// Queries

// ListRecent returns the newest entries
func (s *AuditService) ListRecent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.ListRecent(ctx, clampLimit(limit), 0)
	if err != nil {
		return nil, services.WrapStorage("failed to list audit logs", err)
	}
	return logs, nil
}

// ListBySession returns every entry of a session in write order
func (s *AuditService) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, services.WrapStorage("failed to list session audit logs", err)
	}
	return logs, nil
}

// ListByUser returns the newest entries of one identity
func (s *AuditService) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error) {
	if userID == "" {
		return nil, services.ErrMissingIdentity
	}
	if offset < 0 {
		return nil, services.ErrInvalidPagination
	}
	logs, err := s.auditRepo.ListByUser(ctx, userID, clampLimit(limit), offset)
	if err != nil {
		return nil, services.WrapStorage("failed to list user audit logs", err)
	}
	return logs, nil
}

// ListByDateRange returns the newest entries inside [start, end]
func (s *AuditService) ListByDateRange(ctx context.Context, start, end time.Time, limit int) ([]*models.AuditLog, error) {
	if end.Before(start) {
		return nil, services.ErrInvalidTimeRange
	}
	logs, err := s.auditRepo.ListByDateRange(ctx, start, end, clampLimit(limit), 0)
	if err != nil {
		return nil, services.WrapStorage("failed to list audit logs by date", err)
	}
	return logs, nil
}

// ListByAction returns the newest entries of one action
func (s *AuditService) ListByAction(ctx context.Context, action models.AuditAction, limit int) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.ListByAction(ctx, action, clampLimit(limit), 0)
	if err != nil {
		return nil, services.WrapStorage("failed to list audit logs by action", err)
	}
	return logs, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// Convenience methods for logging common events

// LogSessionCompleted records a session that reached completed
func (s *AuditService) LogSessionCompleted(session *models.Session, requestID string) error {
	entry := models.NewAuditLog(models.AuditActionComputerUseSession,
		"Created session with instructions: "+models.TruncateInstructions(session.Instructions))
	entry.WithUser(session.UserID).WithSession(session.ID).WithRequest(requestID)
	return s.Record(entry)
}

// LogSessionFailed records a session that ended in error, or could not be created
// when session is not yet persisted
func (s *AuditService) LogSessionFailed(userID string, sessionID *uuid.UUID, cause string, requestID string) error {
	entry := models.NewAuditLog(models.AuditActionComputerUseSession, "Session failed: "+cause)
	entry.WithUser(userID).WithRequest(requestID).WithError(cause)
	if sessionID != nil {
		entry.WithSession(*sessionID)
	}
	return s.Record(entry)
}

// LogRateLimited records a request rejected by the quota
func (s *AuditService) LogRateLimited(userID string, count int64, limit int, requestID string) error {
	entry := models.NewAuditLog(models.AuditActionRateLimited,
		fmt.Sprintf("Rate limit exceeded: %d of %d requests", count, limit))
	entry.WithUser(userID).WithRequest(requestID).WithFailure()
	return s.Record(entry)
}

// LogLogin records a login attempt
func (s *AuditService) LogLogin(userID, email string, success bool, requestID string) error {
	if success {
		entry := models.NewAuditLog(models.AuditActionLogin, fmt.Sprintf("User %s logged in", email))
		entry.WithUser(userID).WithRequest(requestID)
		return s.Record(entry)
	}
	entry := models.NewAuditLog(models.AuditActionLoginFailed, fmt.Sprintf("Failed login for %s", email))
	entry.WithUser(userID).WithRequest(requestID).WithFailure()
	return s.Record(entry)
}
