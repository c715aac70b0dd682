package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusDisabled  = "disabled"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// HealthCheck is a named dependency probe. A nil Check reports the
// component as disabled. Required checks gate readiness.
type HealthCheck struct {
	Name     string
	Required bool
	Check    CheckFunc
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(logger *zap.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// HandleLiveness handles GET /healthz.
// Always returns 200 if the process is serving.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeOrLog(h.logger, utils.WriteOK(w, HealthResponse{
		Status:    statusHealthy,
		Timestamp: now(),
	}))
}

// HandleHealth handles GET /health.
// Reports every component; only a failing required check makes it 503.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.run(r.Context(), h.checks), false)
}

// HandleReadiness handles GET /readyz.
// Only required checks are run.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	var required []HealthCheck
	for _, c := range h.checks {
		if c.Required {
			required = append(required, c)
		}
	}
	h.respond(w, h.run(r.Context(), required), true)
}

// HandleComponent handles GET /health/{component}
func (h *HealthHandler) HandleComponent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "component")
	for _, c := range h.checks {
		if c.Name == name {
			// A single component is unhealthy on its own failure
			c.Required = true
			h.respond(w, h.run(r.Context(), []HealthCheck{c}), true)
			return
		}
	}
	writeOrLog(h.logger, utils.WriteNotFound(w, r, "Unknown health component: "+name))
}

type checkResults struct {
	checks         map[string]string
	errors         map[string]string
	requiredFailed bool
	anyFailed      bool
}

func (h *HealthHandler) run(ctx context.Context, checks []HealthCheck) checkResults {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res := checkResults{
		checks: make(map[string]string, len(checks)),
		errors: make(map[string]string),
	}
	for _, c := range checks {
		if c.Check == nil {
			res.checks[c.Name] = statusDisabled
			continue
		}
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", c.Name), zap.Error(err))
			res.checks[c.Name] = statusUnhealthy
			res.errors[c.Name] = err.Error()
			res.anyFailed = true
			if c.Required {
				res.requiredFailed = true
			}
			continue
		}
		res.checks[c.Name] = statusHealthy
	}
	return res
}

func (h *HealthHandler) respond(w http.ResponseWriter, res checkResults, strict bool) {
	status := statusHealthy
	httpStatus := http.StatusOK
	switch {
	case res.requiredFailed:
		status = statusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	case res.anyFailed && !strict:
		status = statusDegraded
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: now(),
		Checks:    res.checks,
	}
	if len(res.errors) > 0 {
		resp.Errors = res.errors
	}
	writeOrLog(h.logger, utils.WriteJSON(w, httpStatus, resp))
}

// DatabaseCheck pings db and runs a trivial query
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var result int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	}
}

// RedisCheck pings the redis server
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
