package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/middleware"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/services/session"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

// StartSessionRequest is the body of POST /api/computer-use/session
type StartSessionRequest struct {
	Instructions string `json:"instructions" validate:"required,max=10000"`
	// Wait for the terminal state before answering; defaults to true
	Wait *bool `json:"wait,omitempty"`
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	SessionID   string               `json:"session_id"`
	Status      models.SessionStatus `json:"status"`
	Response    *string              `json:"response,omitempty"`
	Error       *string              `json:"error,omitempty"`
	TraceID     *string              `json:"trace_id,omitempty"`
	TotalTokens int                  `json:"total_tokens"`
	TotalCost   string               `json:"total_cost"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func toSessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		SessionID:   s.ID.String(),
		Status:      s.Status,
		Response:    s.Response,
		Error:       s.ErrorMessage,
		TraceID:     s.TraceID,
		TotalTokens: s.TotalTokens,
		TotalCost:   s.TotalCost,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toSessionResponses(sessions []*models.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	return out
}

// SessionService defines the session operations used by the HTTP layer
type SessionService interface {
	StartSession(ctx context.Context, owner, instructions string) (*session.Handle, error)
	GetSessionStatus(ctx context.Context, sessionID, requester string) (*models.Session, error)
	ListUserSessions(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error)
}

// SessionHandler handles computer use session requests
type SessionHandler struct {
	sessions SessionService
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(sessions SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// HandleStartSession handles POST /api/computer-use/session
func (h *SessionHandler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithContext(ctx, h.logger)

	var req StartSessionRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, r, err, logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, r, err, logger)
		return
	}

	handle, err := h.sessions.StartSession(ctx, middleware.GetUserIDFromContext(ctx), req.Instructions)
	if err != nil {
		HandleServiceError(w, r, err, logger)
		return
	}

	if req.Wait != nil && !*req.Wait {
		writeOrLog(logger, utils.WriteAccepted(w, toSessionResponse(handle.Session())))
		return
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller went away; the session keeps running
			logger.Info("client stopped waiting for session",
				zap.String("session_id", handle.Session().ID.String()))
			return
		}
		if result != nil {
			logger.Warn("session finished with error",
				zap.String("session_id", result.ID.String()),
				zap.Error(err))
		}
		HandleServiceError(w, r, err, logger)
		return
	}

	writeOrLog(logger, utils.WriteOK(w, toSessionResponse(result)))
}

// HandleGetSession handles GET /api/computer-use/session/{session_id}
func (h *SessionHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.sessions.GetSessionStatus(ctx, chi.URLParam(r, "session_id"), middleware.GetUserIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	writeOrLog(h.logger, utils.WriteOK(w, toSessionResponse(s)))
}

// HandleListMySessions handles GET /api/computer-use/sessions
func (h *SessionHandler) HandleListMySessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset, err := parsePagination(r)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	sessions, err := h.sessions.ListUserSessions(ctx, middleware.GetUserIDFromContext(ctx), limit, offset)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	writeOrLog(h.logger, utils.WriteOK(w, map[string]interface{}{
		"sessions": toSessionResponses(sessions),
		"limit":    limit,
		"offset":   offset,
	}))
}
