package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/middleware"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/services"
	"github.com/upb/computer-use-api/services/notify"
	"github.com/upb/computer-use-api/utils"
	"go.uber.org/zap"
)

const (
	wsReadBufferSize    = 1024
	wsWriteBufferSize   = 1024
	defaultWriteTimeout = 10 * time.Second
	maxInboundMessage   = 4096
)

// Subscriber attaches viewers to session events
type Subscriber interface {
	Subscribe(sessionID string) (*notify.Subscription, error)
}

// SessionLookup returns a session for its owner
type SessionLookup interface {
	GetSessionStatus(ctx context.Context, sessionID, requester string) (*models.Session, error)
}

// StreamHandler pushes session updates to websocket viewers
type StreamHandler struct {
	hub            Subscriber
	sessions       SessionLookup
	allowedOrigins []string
	writeTimeout   time.Duration
	maxLifetime    time.Duration
	logger         *zap.Logger
}

// NewStreamHandler creates a new StreamHandler. An empty allowedOrigins only
// accepts same-host origins. A stream is closed once its session is older
// than maxLifetime without a terminal event; zero leaves it unbounded.
func NewStreamHandler(hub Subscriber, sessions SessionLookup, allowedOrigins []string, writeTimeout, maxLifetime time.Duration, logger *zap.Logger) *StreamHandler {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &StreamHandler{
		hub:            hub,
		sessions:       sessions,
		allowedOrigins: allowedOrigins,
		writeTimeout:   writeTimeout,
		maxLifetime:    maxLifetime,
		logger:         logger,
	}
}

// HandleStream handles GET /api/computer-use/stream/{session_id}
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithContext(ctx, h.logger)

	id, err := utils.ParseUUID(chi.URLParam(r, "session_id"))
	if err != nil {
		HandleServiceError(w, r, services.ErrInvalidSessionID, logger)
		return
	}
	sessionID := id.String()

	// Subscribe before reading the status. The orchestrator stores a terminal
	// status before publishing it, so when that store succeeds an Active read
	// here means the terminal event still reaches this subscription. When it
	// fails the store stays Active and only the lifetime bound ends the stream.
	sub, err := h.hub.Subscribe(sessionID)
	if err != nil {
		if errors.Is(err, notify.ErrHubClosed) {
			writeOrLog(logger, utils.WriteError(w, r, http.StatusServiceUnavailable, "Server is shutting down", nil))
			return
		}
		HandleServiceError(w, r, services.WrapInternal("failed to subscribe", err), logger)
		return
	}
	defer sub.Close()

	current, err := h.sessions.GetSessionStatus(ctx, sessionID, middleware.GetUserIDFromContext(ctx))
	if err != nil {
		HandleServiceError(w, r, err, logger)
		return
	}
	if current.Status.IsTerminal() {
		writeOrLog(logger, utils.WriteConflict(w, r, "session already finished", map[string]interface{}{
			"status": current.Status,
		}))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxInboundMessage)

	logger = logger.With(zap.String("session_id", sessionID))
	logger.Debug("viewer attached")

	var expired <-chan time.Time
	if h.maxLifetime > 0 {
		timer := time.NewTimer(time.Until(current.CreatedAt.Add(h.maxLifetime)))
		defer timer.Stop()
		expired = timer.C
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			logger.Debug("viewer message ignored", zap.Int("bytes", len(msg)))
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					h.writeClose(conn, websocket.ClosePolicyViolation, "viewer too slow")
				} else {
					h.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
				}
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("viewer write failed", zap.Error(err))
				return
			}
			if ev.Status.IsTerminal() {
				h.writeClose(conn, websocket.CloseNormalClosure, "session finished")
				return
			}
		case <-expired:
			logger.Warn("session outlived its lifetime without a terminal event")
			h.writeClose(conn, websocket.CloseTryAgainLater, "session status unavailable")
			return
		case <-readDone:
			logger.Debug("viewer detached")
			return
		}
	}
}

func (h *StreamHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}

// isOriginAllowed accepts requests without an Origin header, origins listed in
// allowed (full origin or host), and same-host origins when allowed is empty
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) || strings.EqualFold(parsed.Hostname(), a) {
				return true
			}
		}
		return false
	}

	host := r.Host
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.EqualFold(parsed.Hostname(), strings.Trim(host, "[]"))
}
