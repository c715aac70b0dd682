package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/services/executor"
	"github.com/upb/computer-use-api/services/notify"
	"github.com/upb/computer-use-api/services/session"
	"go.uber.org/zap"
)

func streamURL(srv *httptest.Server, sessionID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/computer-use/stream/" + sessionID
}

func dialAs(t *testing.T, url, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set(testUserHeader, user)
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		t.Cleanup(func() { resp.Body.Close() })
	}
	return conn, resp, err
}

func TestHandleStream_DeliversTerminalEvent(t *testing.T) {
	gate := &gatedExecutor{release: make(chan struct{})}
	s := newStack(t, gate, 10)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	handle, err := s.orchestrator.StartSession(context.Background(), "u1", "open the browser")
	require.NoError(t, err)
	sessionID := handle.Session().ID.String()

	conn, _, err := dialAs(t, streamURL(srv, sessionID), "u1")
	require.NoError(t, err)
	defer conn.Close()

	close(gate.release)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, notify.EventTypeSessionUpdate, ev.Type)
	assert.Equal(t, sessionID, ev.SessionID)
	assert.Equal(t, models.SessionStatusCompleted, ev.Status)
	assert.Equal(t, "done: open the browser", ev.Response)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandleStream_Rejections(t *testing.T) {
	gate := &gatedExecutor{release: make(chan struct{})}
	s := newStack(t, gate, 10)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	defer close(gate.release)

	active, err := s.orchestrator.StartSession(context.Background(), "u1", "pending")
	require.NoError(t, err)
	activeID := active.Session().ID.String()

	t.Run("other owner", func(t *testing.T) {
		_, resp, err := dialAs(t, streamURL(srv, activeID), "u2")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed id", func(t *testing.T) {
		_, resp, err := dialAs(t, streamURL(srv, "nope"), "u1")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign origin", func(t *testing.T) {
		header := http.Header{}
		header.Set(testUserHeader, "u1")
		header.Set("Origin", "https://evil.example.com")
		_, resp, err := websocket.DefaultDialer.Dial(streamURL(srv, activeID), header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestHandleStream_FinishedSession(t *testing.T) {
	s := newStack(t, executor.NewSimulated(), 10)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	handle, err := s.orchestrator.StartSession(context.Background(), "u1", "open")
	require.NoError(t, err)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	_, resp, err := dialAs(t, streamURL(srv, handle.Session().ID.String()), "u1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleStream_HubClosed(t *testing.T) {
	s := newStack(t, executor.NewSimulated(), 10)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	s.hub.Close()

	_, resp, err := dialAs(t, streamURL(srv, "6f1c2a64-4d7e-4f0b-9a57-2f1d7c0f3b11"), "u1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleStream_ServerShutdownClosesViewers(t *testing.T) {
	gate := &gatedExecutor{release: make(chan struct{})}
	s := newStack(t, gate, 10)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	defer close(gate.release)

	handle, err := s.orchestrator.StartSession(context.Background(), "u1", "pending")
	require.NoError(t, err)

	conn, _, err := dialAs(t, streamURL(srv, handle.Session().ID.String()), "u1")
	require.NoError(t, err)
	defer conn.Close()

	s.hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHandleStream_ClosesStaleSession(t *testing.T) {
	gate := &gatedExecutor{release: make(chan struct{})}
	s := newStack(t, gate, 10)
	defer close(gate.release)

	// a session that stays Active past its lifetime, as when its terminal
	// state could not be stored
	stream := NewStreamHandler(s.hub, s.orchestrator, nil, time.Second, 100*time.Millisecond, zap.NewNop())
	r := chi.NewRouter()
	r.Use(withTestClaims)
	r.Get("/api/computer-use/stream/{session_id}", stream.HandleStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	handle, err := s.orchestrator.StartSession(context.Background(), "u1", "pending")
	require.NoError(t, err)

	conn, _, err := dialAs(t, streamURL(srv, handle.Session().ID.String()), "u1")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestOrchestratorMaxLifetimeBoundsStreams(t *testing.T) {
	s := newStack(t, executor.NewSimulated(), 10)
	// executor timeout plus the default terminal-store budget
	assert.Equal(t, 2*time.Second+session.DefaultConfig().PersistTimeout, s.orchestrator.MaxLifetime())
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin", "api.local:8080", "", nil, true},
		{"same host", "api.local:8080", "http://api.local:3000", nil, true},
		{"other host", "api.local:8080", "http://evil.local", nil, false},
		{"listed origin", "api.local", "https://app.example.com", []string{"https://app.example.com"}, true},
		{"listed host", "api.local", "https://app.example.com", []string{"app.example.com"}, true},
		{"wildcard", "api.local", "https://anything.io", []string{"*"}, true},
		{"not listed", "api.local", "https://api.local", []string{"https://app.example.com"}, false},
		{"garbage", "api.local", "::::", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isOriginAllowed(r, tt.allowed))
		})
	}
}
