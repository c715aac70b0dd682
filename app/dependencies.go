package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/handlers"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/middleware"
	"github.com/upb/computer-use-api/repositories"
	"github.com/upb/computer-use-api/repositories/memory"
	"github.com/upb/computer-use-api/repositories/postgres"
	"github.com/upb/computer-use-api/services/audit"
	"github.com/upb/computer-use-api/services/auth"
	"github.com/upb/computer-use-api/services/executor"
	"github.com/upb/computer-use-api/services/notify"
	"github.com/upb/computer-use-api/services/ratelimit"
	"github.com/upb/computer-use-api/services/session"
	"github.com/upb/computer-use-api/services/tracing"
	"go.uber.org/zap"
)

const defaultAuditShutdownTimeout = 10 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// RepoFactory is nil when running on in-memory stores
	RepoFactory *postgres.RepositoryFactory
	Redis       *redis.Client

	// Repositories
	Sessions  repositories.SessionRepository
	AuditLogs repositories.AuditRepository
	Users     repositories.UserRepository
	TxManager repositories.TransactionManager

	// Services
	RateLimiter   *ratelimit.Service
	AuditService  *audit.AuditService
	Hub           *notify.Hub
	Executor      executor.Executor
	TraceProvider *tracing.Provider
	TraceRecorder *tracing.Recorder // nil when tracing is disabled
	Orchestrator  *session.Orchestrator
	Tokens        *auth.TokenService
	AuthService   *auth.Service

	AuthMiddleware *middleware.AuthMiddleware
	HealthChecks   []handlers.HealthCheck

	stopWorkers context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	deps.stopWorkers = cancel

	steps := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return deps.initDatabase(ctx, cfg) }},
		{"repositories", deps.initRepositories},
		{"rate limiter", func() error { return deps.initRateLimiter(ctx, workerCtx, cfg) }},
		{"audit", func() error { return deps.initAudit(cfg) }},
		{"executor", func() error { return deps.initExecutor(cfg) }},
		{"tracing", func() error { return deps.initTracing(ctx, cfg) }},
		{"sessions", func() error { return deps.initSessions(cfg) }},
		{"auth", func() error { return deps.initAuth(cfg) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.initHealthChecks()

	logger.Info("all dependencies initialized successfully",
		zap.Bool("database", deps.RepoFactory != nil),
		zap.String("rate_limit_backend", cfg.RateLimitBackend()),
		zap.String("executor", deps.Executor.Name()),
		zap.Bool("tracing", deps.TraceRecorder != nil))
	return deps, nil
}

// initDatabase opens the PostgreSQL pools when a database is configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Logger.Warn("no database configured, using in-memory stores")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// initRepositories selects postgres or in-memory repositories
func (d *Dependencies) initRepositories() error {
	var repos *repositories.Repositories
	if d.RepoFactory != nil {
		repos = d.RepoFactory.NewRepositories()
		d.TxManager = d.RepoFactory.GetTransactionManager()
	} else {
		repos = memory.NewRepositories(nil)
		d.TxManager = memory.NewTransactionManager()
	}

	d.Sessions = repos.Sessions
	d.AuditLogs = repos.AuditLogs
	d.Users = repos.Users

	d.Logger.Info("repositories initialized")
	return nil
}

// counterCleaner is implemented by counter stores that need expired rows removed
type counterCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

func (d *Dependencies) initRateLimiter(ctx, workerCtx context.Context, cfg *config.Config) error {
	var store ratelimit.CounterStore

	switch backend := cfg.RateLimitBackend(); backend {
	case config.RateLimitBackendRedis:
		client, err := ratelimit.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		d.Redis = client
		store = ratelimit.NewRedisStore(client)

	case config.RateLimitBackendPostgres:
		if d.RepoFactory == nil {
			return errors.New("postgres rate limit backend requires a database")
		}
		counters := d.RepoFactory.NewRepositories().RateCounters
		store = counters
		if cleaner, ok := counters.(counterCleaner); ok && cfg.RateLimit.CleanupInterval > 0 {
			go d.cleanupCounters(workerCtx, cleaner, cfg.RateLimit.CleanupInterval)
		}

	case config.RateLimitBackendMemory:
		mem := ratelimit.NewMemoryStore()
		store = mem
		if cfg.RateLimit.CleanupInterval > 0 {
			go mem.StartCleanupWorker(workerCtx, cfg.RateLimit.CleanupInterval, d.Logger)
		}

	default:
		return fmt.Errorf("unknown rate limit backend %q", backend)
	}

	d.RateLimiter = ratelimit.NewService(store, ratelimit.ConfigFromSettings(cfg.RateLimit), d.Logger, d.Metrics)
	return nil
}

func (d *Dependencies) cleanupCounters(ctx context.Context, cleaner counterCleaner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := cleaner.CleanupExpired(ctx)
			if err != nil {
				d.Logger.Warn("rate counter cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				d.Logger.Debug("removed expired rate counters", zap.Int64("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dependencies) initAudit(cfg *config.Config) error {
	d.AuditService = audit.NewAuditService(d.AuditLogs, d.Logger, d.Metrics, audit.ConfigFromSettings(cfg.Audit))
	return d.AuditService.Start()
}

func (d *Dependencies) initExecutor(cfg *config.Config) error {
	exec, err := executor.New(cfg, d.Logger)
	if err != nil {
		return err
	}
	d.Executor = exec
	return nil
}

func (d *Dependencies) initTracing(ctx context.Context, cfg *config.Config) error {
	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	d.TraceProvider = provider
	if provider.Enabled {
		d.TraceRecorder = tracing.NewRecorder(provider.TracerProvider, d.Logger)
		d.Logger.Info("session tracing enabled", zap.String("exporter", provider.Exporter))
	}
	return nil
}

func (d *Dependencies) initSessions(cfg *config.Config) error {
	d.Hub = notify.NewHub(cfg.Notify.SubscriberBuffer, d.Logger, d.Metrics)

	deps := session.Dependencies{
		Sessions: d.Sessions,
		Limiter:  d.RateLimiter,
		Audit:    d.AuditService,
		Hub:      d.Hub,
		Executor: d.Executor,
		Logger:   d.Logger,
		Metrics:  d.Metrics,
	}
	// A nil *Recorder must not end up in the interface
	if d.TraceRecorder != nil {
		deps.Tracer = d.TraceRecorder
	}

	sessionCfg := session.DefaultConfig()
	if cfg.Executor.Timeout > 0 {
		sessionCfg.ExecutorTimeout = cfg.Executor.Timeout
	}
	d.Orchestrator = session.NewOrchestrator(deps, sessionCfg)
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	d.Tokens = auth.NewTokenService(cfg.Auth)
	d.AuthService = auth.NewService(d.Users, d.TxManager, d.Tokens, d.AuditService, cfg.Auth, d.Logger)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.Logger)
	return nil
}

func (d *Dependencies) initHealthChecks() {
	database := handlers.HealthCheck{Name: "database", Required: true}
	if d.RepoFactory != nil {
		database.Check = d.RepoFactory.HealthCheck
	}

	cache := handlers.HealthCheck{Name: "redis"}
	if d.Redis != nil {
		cache.Check = handlers.RedisCheck(d.Redis)
	}

	tracer := handlers.HealthCheck{Name: "tracing"}
	if d.TraceProvider != nil && d.TraceProvider.Enabled {
		tracer.Check = d.TraceProvider.Check
	}

	d.HealthChecks = []handlers.HealthCheck{
		database,
		cache,
		{Name: "executor", Check: d.Executor.Check},
		tracer,
	}
}

// Close gracefully shuts down all dependencies in reverse start order
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Orchestrator != nil {
		if err := d.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain sessions: %w", err))
		}
	}

	if d.Hub != nil {
		d.Hub.Close()
	}

	if d.TraceRecorder != nil {
		d.TraceRecorder.Close()
	}
	if d.TraceProvider != nil {
		if err := d.TraceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}

	if d.AuditService != nil {
		timeout := d.Config.Audit.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultAuditShutdownTimeout
		}
		if err := d.AuditService.Stop(timeout); err != nil && !errors.Is(err, audit.ErrAuditNotStarted) {
			errs = append(errs, fmt.Errorf("failed to drain audit log: %w", err))
		}
	}

	if d.stopWorkers != nil {
		d.stopWorkers()
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
