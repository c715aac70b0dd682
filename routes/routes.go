package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/computer-use-api/app"
	"github.com/upb/computer-use-api/handlers"
	"github.com/upb/computer-use-api/middleware"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/utils"
)

// requestTimeout bounds ordinary API calls. Session creation waits for the
// executor and streams stay open, so both are mounted outside it.
const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Logger, deps.HealthChecks...)
	authHandler := handlers.NewAuthHandler(deps.AuthService, deps.Logger)
	sessions := handlers.NewSessionHandler(deps.Orchestrator, deps.Logger)
	stream := handlers.NewStreamHandler(deps.Hub, deps.Orchestrator, deps.Config.CORS.AllowedOrigins, deps.Config.Notify.WriteTimeout, deps.Orchestrator.MaxLifetime(), deps.Logger)
	admin := handlers.NewAdminHandler(deps.Orchestrator, deps.AuditService, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleLiveness)
	r.Get("/readyz", health.HandleReadiness)
	r.Get("/health", health.HandleHealth)
	r.Get("/health/{component}", health.HandleComponent)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.With(chimw.Timeout(requestTimeout)).Post("/auth/login", authHandler.HandleLogin)

		r.Route("/computer-use", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)

			r.Post("/session", sessions.HandleStartSession)
			r.Get("/stream/{session_id}", stream.HandleStream)

			r.Group(func(r chi.Router) {
				r.Use(chimw.Timeout(requestTimeout))
				r.Get("/session/{session_id}", sessions.HandleGetSession)
				r.Get("/sessions", sessions.HandleListMySessions)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(models.RoleAdmin))
			r.Use(chimw.Timeout(requestTimeout))

			r.Get("/sessions", admin.HandleListSessions)
			r.Get("/sessions/{session_id}/audit", admin.HandleSessionAudit)
			r.Get("/audit-logs", admin.HandleListAuditLogs)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, r, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
