package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/services"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

const defaultPageSize = 100

// SessionLister lists sessions across owners
type SessionLister interface {
	ListSessions(ctx context.Context, limit, offset int) ([]*models.Session, error)
}

// AuditQuerier reads the audit trail
type AuditQuerier interface {
	ListRecent(ctx context.Context, limit int) ([]*models.AuditLog, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error)
	ListByDateRange(ctx context.Context, start, end time.Time, limit int) ([]*models.AuditLog, error)
	ListByAction(ctx context.Context, action models.AuditAction, limit int) ([]*models.AuditLog, error)
}

// AdminHandler serves the admin-only views
type AdminHandler struct {
	sessions SessionLister
	audit    AuditQuerier
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(sessions SessionLister, audit AuditQuerier, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		audit:    audit,
		logger:   logger,
	}
}

// HandleListSessions handles GET /api/admin/sessions
func (h *AdminHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	sessions, err := h.sessions.ListSessions(r.Context(), limit, offset)
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

// HandleListAuditLogs handles GET /api/admin/audit-logs.
// Filters: user_id, action, or a since/until RFC3339 range; otherwise the
// newest entries are returned.
func (h *AdminHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, offset, err := parsePagination(r)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	var logs []*models.AuditLog
	switch {
	case q.Get("user_id") != "":
		logs, err = h.audit.ListByUser(ctx, q.Get("user_id"), limit, offset)

	case q.Get("action") != "":
		logs, err = h.audit.ListByAction(ctx, models.AuditAction(q.Get("action")), limit)

	case q.Get("since") != "" || q.Get("until") != "":
		start, end, perr := parseRange(q.Get("since"), q.Get("until"))
		if perr != nil {
			HandleServiceError(w, r, perr, h.logger)
			return
		}
		logs, err = h.audit.ListByDateRange(ctx, start, end, limit)

	default:
		logs, err = h.audit.ListRecent(ctx, limit)
	}
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	writeOrLog(h.logger, utils.WriteOK(w, map[string]interface{}{
		"audit_logs": logs,
		"count":      len(logs),
	}))
}

// HandleSessionAudit handles GET /api/admin/sessions/{session_id}/audit
func (h *AdminHandler) HandleSessionAudit(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "session_id"))
	if err != nil {
		HandleServiceError(w, r, services.ErrInvalidSessionID, h.logger)
		return
	}

	logs, err := h.audit.ListBySession(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	writeOrLog(h.logger, utils.WriteOK(w, map[string]interface{}{
		"session_id": id.String(),
		"audit_logs": logs,
	}))
}

// parsePagination reads limit and offset query parameters
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, services.ErrInvalidPagination
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, services.ErrInvalidPagination
		}
	}
	return limit, offset, nil
}

// parseRange reads an RFC3339 range; a missing bound is open ended
func parseRange(since, until string) (time.Time, time.Time, error) {
	start := time.Unix(0, 0).UTC()
	end := time.Now().UTC()

	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return start, end, services.ErrInvalidTimeRange
		}
		start = t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return start, end, services.ErrInvalidTimeRange
		}
		end = t
	}
	return start, end, nil
}
