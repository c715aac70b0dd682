package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/computer-use-api/app"
	"github.com/upb/computer-use-api/config"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		Auth: config.AuthConfig{
			JWTSecret:   "routes-secret",
			TokenTTL:    time.Hour,
			Issuer:      "computer-use-api-test",
			AdminEmails: []string{"root@example.com"},
		},
		RateLimit: config.RateLimitConfig{MaxRequests: 5, Window: time.Hour},
		Audit: config.AuditConfig{
			Enabled:         true,
			BufferSize:      16,
			Workers:         1,
			InsertTimeout:   time.Second,
			ShutdownTimeout: time.Second,
		},
		Notify:        config.NotifyConfig{SubscriberBuffer: 4, WriteTimeout: time.Second},
		CORS:          config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
	}

	deps, err := app.NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(func() {
		srv.Close()
		_ = deps.Close(context.Background())
	})
	return srv
}

func call(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func login(t *testing.T, srv *httptest.Server, email string) string {
	t.Helper()
	resp, body := call(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email":    email,
		"password": "correct horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestSessionFlow(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "alice@example.com")

	resp, body := call(t, http.MethodPost, srv.URL+"/api/computer-use/session", token, map[string]string{"instructions": "open the calculator"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	sessionID := body["session_id"].(string)

	resp, body = call(t, http.MethodGet, srv.URL+"/api/computer-use/session/"+sessionID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, body["session_id"])

	other := login(t, srv, "bob@example.com")
	resp, _ = call(t, http.MethodGet, srv.URL+"/api/computer-use/session/"+sessionID, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, http.MethodGet, srv.URL+"/api/computer-use/sessions", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := call(t, http.MethodPost, srv.URL+"/api/computer-use/session", "", map[string]string{"instructions": "open"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = call(t, http.MethodGet, srv.URL+"/api/computer-use/sessions", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(t)

	member := login(t, srv, "alice@example.com")
	resp, _ := call(t, http.MethodGet, srv.URL+"/api/admin/sessions", member, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := login(t, srv, "root@example.com")
	resp, _ = call(t, http.MethodGet, srv.URL+"/api/admin/sessions", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := call(t, http.MethodGet, srv.URL+"/api/admin/audit-logs?action=login", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "audit_logs")
}

func TestStreamWithQueryToken(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "alice@example.com")

	resp, body := call(t, http.MethodPost, srv.URL+"/api/computer-use/session", token, map[string]string{"instructions": "open"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := body["session_id"].(string)

	// The simulated executor answers at once, so the session is already finished
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/computer-use/stream/" + sessionID + "?token=" + token
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer wsResp.Body.Close()
	assert.Equal(t, http.StatusConflict, wsResp.StatusCode)

	_, wsResp, err = websocket.DefaultDialer.Dial(strings.Split(url, "?")[0], nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer wsResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/health", "/health/executor"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "http_requests_total")

	resp, body := call(t, http.MethodGet, srv.URL+"/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint not found", body["message"])
}
