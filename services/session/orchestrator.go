// Package session runs computer use sessions from request to terminal state.
//
// StartSession admits the caller through the rate limiter, persists an Active
// session and hands it to a lifecycle goroutine. That goroutine is the only
// writer of the session: it runs the executor, applies the terminal
// transition and then, in order, persists it, publishes it to viewers,
// records the audit entry and closes the trace.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"github.com/upb/computer-use-api/services"
	"github.com/upb/computer-use-api/services/notify"
	"github.com/upb/computer-use-api/services/ratelimit"
	"github.com/upb/computer-use-api/services/redact"
	"go.uber.org/zap"
)

// Trace outcomes passed to TraceRecorder.End
const (
	TraceSuccess = "success"
	TraceFail    = "fail"
)

// TraceTag marks every trace opened for a session
const TraceTag = "computer-use"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExecutionResult is what the agent executor reports for one run
type ExecutionResult struct {
	Response    string
	TotalTokens int
	Cost        string
	Model       string
}

// Executor performs the actual computer use work
type Executor interface {
	Execute(ctx context.Context, instructions string) (*ExecutionResult, error)
}

// TraceRecorder records one external trace per session
type TraceRecorder interface {
	Begin(ctx context.Context, tags []string) (string, error)
	End(ctx context.Context, traceID, outcome, reason string) error
}

// Limiter admits or rejects a request of one identity
type Limiter interface {
	Allow(ctx context.Context, identity string) (*ratelimit.Result, error)
}

// AuditRecorder receives the audit entries of the session lifecycle
type AuditRecorder interface {
	LogSessionCompleted(session *models.Session, requestID string) error
	LogSessionFailed(userID string, sessionID *uuid.UUID, cause string, requestID string) error
	LogRateLimited(userID string, count int64, limit int, requestID string) error
}

// Publisher pushes session events to live viewers
type Publisher interface {
	Publish(sessionID string, ev notify.Event) int
}

// Config holds orchestrator settings
type Config struct {
	ExecutorTimeout time.Duration

	// PersistTimeout bounds all attempts to store a terminal state
	PersistTimeout         time.Duration
	PersistMaxTries        uint
	PersistInitialInterval time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ExecutorTimeout:        120 * time.Second,
		PersistTimeout:         10 * time.Second,
		PersistMaxTries:        5,
		PersistInitialInterval: 100 * time.Millisecond,
	}
}

// Orchestrator coordinates the session lifecycle
type Orchestrator struct {
	sessions repositories.SessionRepository
	limiter  Limiter
	audit    AuditRecorder
	hub      Publisher
	executor Executor
	tracer   TraceRecorder
	logger   *zap.Logger
	metrics  *observability.Metrics
	config   Config

	wg           sync.WaitGroup
	mu           sync.RWMutex
	shuttingDown bool
}

// Dependencies groups the collaborators of the Orchestrator.
// Tracer and Metrics are optional.
type Dependencies struct {
	Sessions repositories.SessionRepository
	Limiter  Limiter
	Audit    AuditRecorder
	Hub      Publisher
	Executor Executor
	Tracer   TraceRecorder
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// NewOrchestrator creates a new session orchestrator
func NewOrchestrator(deps Dependencies, cfg Config) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = defaults.ExecutorTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.PersistMaxTries == 0 {
		cfg.PersistMaxTries = defaults.PersistMaxTries
	}
	if cfg.PersistInitialInterval <= 0 {
		cfg.PersistInitialInterval = defaults.PersistInitialInterval
	}

	return &Orchestrator{
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		audit:    deps.Audit,
		hub:      deps.Hub,
		executor: deps.Executor,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		config:   cfg,
	}
}

// StartSession admits owner, creates an Active session and starts its
// lifecycle. The lifecycle is detached from ctx cancellation; use the
// returned Handle to wait for the terminal state.
func (o *Orchestrator) StartSession(ctx context.Context, owner, instructions string) (*Handle, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, services.ErrMissingIdentity
	}
	if strings.TrimSpace(instructions) == "" {
		return nil, services.ErrEmptyInstructions
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.shuttingDown {
		return nil, services.ErrShuttingDown
	}

	logger := observability.WithContext(ctx, o.logger)
	requestID := chimw.GetReqID(ctx)

	decision, err := o.limiter.Allow(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		o.recordAudit(logger, o.audit.LogRateLimited(owner, decision.Count, decision.Limit, requestID))
		logger.Info("session rejected by rate limit",
			zap.Int64("count", decision.Count),
			zap.Int("limit", decision.Limit))
		return nil, rateLimitError(decision)
	}

	session := models.NewSession(owner, instructions)
	session.WithTrace(o.beginTrace(ctx, logger, owner))

	if err := o.sessions.Create(ctx, session); err != nil {
		logger.Error("failed to create session", zap.Error(err))
		o.recordAudit(logger, o.audit.LogSessionFailed(owner, nil, "failed to create session", requestID))
		o.endTrace(ctx, logger, session, TraceFail, "failed to create session")
		return nil, services.WrapStorage("failed to create session", err)
	}

	logger.Info("session started", zap.String("session_id", session.ID.String()))

	handle := newHandle(session)
	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), session, handle)

	return handle, nil
}

// run is the single writer of session until its terminal state is stored
func (o *Orchestrator) run(ctx context.Context, session *models.Session, handle *Handle) {
	defer o.wg.Done()

	logger := observability.WithContext(ctx, o.logger).With(zap.String("session_id", session.ID.String()))

	start := time.Now()
	result, execErr := o.execute(ctx, session.Instructions)

	if execErr == nil && result == nil {
		execErr = errors.New("executor returned no result")
	}
	if execErr == nil {
		execErr = session.Complete(result.Response, result.TotalTokens, result.Cost)
	}

	outcome := TraceSuccess
	var resultErr error
	if execErr != nil {
		outcome = TraceFail
		resultErr = executorError(execErr, session.ID)
		// executor errors can echo request headers or connection strings
		cause := redact.String(execErr.Error())
		if err := session.Fail(cause); err != nil {
			logger.Error("failed to mark session as failed", zap.Error(err))
		}
		logger.Error("computer use session failed", zap.String("error", cause))
	}
	o.metrics.ExecutorCall(outcome, time.Since(start))

	snapshot := session.Clone()

	if err := o.persist(ctx, logger, snapshot); err != nil {
		logger.Error("failed to persist terminal session state",
			zap.String("status", string(snapshot.Status)),
			zap.Error(err))
		if resultErr == nil {
			resultErr = services.WrapStorage("failed to persist session", err)
		}
	}

	o.hub.Publish(snapshot.ID.String(), notify.SessionUpdate(snapshot))

	requestID := chimw.GetReqID(ctx)
	if snapshot.Status == models.SessionStatusCompleted {
		o.recordAudit(logger, o.audit.LogSessionCompleted(snapshot, requestID))
	} else {
		o.recordAudit(logger, o.audit.LogSessionFailed(snapshot.UserID, &snapshot.ID, *snapshot.ErrorMessage, requestID))
	}

	reason := ""
	if snapshot.ErrorMessage != nil {
		reason = *snapshot.ErrorMessage
	}
	o.endTrace(ctx, logger, snapshot, outcome, reason)

	o.metrics.SessionFinished(string(snapshot.Status))
	logger.Info("session finished",
		zap.String("status", string(snapshot.Status)),
		zap.Int("total_tokens", snapshot.TotalTokens),
		zap.String("total_cost", snapshot.TotalCost))

	handle.finish(snapshot, resultErr)
}

// persist stores the terminal state, retrying transient failures
// MaxLifetime bounds how long a session can stay Active: the executor
// timeout plus the time allowed to store its terminal state
func (o *Orchestrator) MaxLifetime() time.Duration {
	return o.config.ExecutorTimeout + o.config.PersistTimeout
}

// execute calls the executor under the executor timeout. A panic in the
// executor is returned as an error so the session still reaches Error.
func (o *Orchestrator) execute(ctx context.Context, instructions string) (result *ExecutionResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.ExecutorTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("executor panicked", zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, fmt.Errorf("executor panicked: %v", r)
		}
	}()

	return o.executor.Execute(ctx, instructions)
}

func (o *Orchestrator) persist(ctx context.Context, logger *zap.Logger, snapshot *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.PersistTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.config.PersistInitialInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := o.sessions.Update(ctx, snapshot)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, repositories.ErrNotFound) {
			// An earlier attempt may have landed before its reply was lost.
			if stored, getErr := o.sessions.GetByID(ctx, snapshot.ID); getErr == nil && stored.Status == snapshot.Status {
				return struct{}{}, nil
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(o.config.PersistMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying session update",
				zap.Int("attempt", attempt),
				zap.Duration("next_retry", next),
				zap.Error(err))
		}),
	)
	return err
}

func (o *Orchestrator) beginTrace(ctx context.Context, logger *zap.Logger, owner string) string {
	if o.tracer == nil {
		return ""
	}
	traceID, err := o.tracer.Begin(ctx, []string{TraceTag, owner})
	if err != nil {
		logger.Warn("failed to start trace", zap.Error(err))
		return ""
	}
	return traceID
}

func (o *Orchestrator) endTrace(ctx context.Context, logger *zap.Logger, session *models.Session, outcome, reason string) {
	if o.tracer == nil || session.TraceID == nil {
		return
	}
	if err := o.tracer.End(ctx, *session.TraceID, outcome, reason); err != nil {
		logger.Warn("failed to end trace", zap.String("trace_id", *session.TraceID), zap.Error(err))
	}
}

// recordAudit keeps audit failures out of the session outcome; the audit
// service already logged and counted them.
func (o *Orchestrator) recordAudit(logger *zap.Logger, err error) {
	if err != nil {
		logger.Debug("audit entry not recorded", zap.Error(err))
	}
}

// GetSessionStatus returns the session if requester owns it. Unknown ids and
// sessions of other owners are both reported as not found.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID, requester string) (*models.Session, error) {
	if requester == "" {
		return nil, services.ErrMissingIdentity
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, services.ErrInvalidSessionID
	}

	session, err := o.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrSessionNotFound
		}
		return nil, services.WrapStorage("failed to get session", err)
	}

	if !session.IsOwnedBy(requester) {
		observability.WithContext(ctx, o.logger).Debug("session requested by non-owner",
			zap.String("session_id", sessionID))
		return nil, services.ErrSessionNotFound
	}

	return session, nil
}

// ListSessions returns every session newest first
func (o *Orchestrator) ListSessions(ctx context.Context, limit, offset int) ([]*models.Session, error) {
	if offset < 0 {
		return nil, services.ErrInvalidPagination
	}
	sessions, err := o.sessions.List(ctx, clampLimit(limit), offset)
	if err != nil {
		return nil, services.WrapStorage("failed to list sessions", err)
	}
	return sessions, nil
}

// ListUserSessions returns the sessions of one owner newest first
func (o *Orchestrator) ListUserSessions(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	if userID == "" {
		return nil, services.ErrMissingIdentity
	}
	if offset < 0 {
		return nil, services.ErrInvalidPagination
	}
	sessions, err := o.sessions.ListByUser(ctx, userID, clampLimit(limit), offset)
	if err != nil {
		return nil, services.WrapStorage("failed to list user sessions", err)
	}
	return sessions, nil
}

// Shutdown rejects new sessions and waits for running lifecycles
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("session orchestrator drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sessions: %w", ctx.Err())
	}
}

func rateLimitError(decision *ratelimit.Result) error {
	return services.NewDomainError(services.ErrorTypeRateLimit, "rate limit exceeded", nil).
		WithDetail("limit", decision.Limit).
		WithDetail("reset_at", decision.ResetAt)
}

// executorError carries the session id so callers can look the failed session up
func executorError(err error, sessionID uuid.UUID) error {
	message := "computer use execution failed"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "computer use executor timeout"
	}
	return services.NewDomainError(services.ErrorTypeExternal, message, err).
		WithDetail("session_id", sessionID.String())
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
