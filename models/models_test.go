package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Session tests
func TestNewSession(t *testing.T) {
	s := NewSession("u1", "open the browser")

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "open the browser", s.Instructions)
	assert.Equal(t, SessionStatusActive, s.Status)
	assert.Equal(t, DefaultSessionCost, s.TotalCost)
	assert.Zero(t, s.TotalTokens)
	assert.Nil(t, s.TraceID)
	assert.False(t, s.CreatedAt.IsZero())
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)
}

func TestSession_TableName(t *testing.T) {
	assert.Equal(t, "computer_use_sessions", Session{}.TableName())
}

func TestSession_Complete(t *testing.T) {
	s := NewSession("u1", "do it")

	require.NoError(t, s.Complete("done", 150, "0.003"))

	assert.Equal(t, SessionStatusCompleted, s.Status)
	require.NotNil(t, s.Response)
	assert.Equal(t, "done", *s.Response)
	assert.Equal(t, 150, s.TotalTokens)
	assert.Equal(t, "0.003", s.TotalCost)
	assert.Nil(t, s.ErrorMessage)
}

func TestSession_Fail(t *testing.T) {
	s := NewSession("u1", "do it")

	require.NoError(t, s.Fail("executor timeout"))

	assert.Equal(t, SessionStatusError, s.Status)
	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "executor timeout", *s.ErrorMessage)
	assert.Equal(t, DefaultSessionCost, s.TotalCost)
}

func TestSession_TerminalStatesAreFinal(t *testing.T) {
	completed := NewSession("u1", "x")
	require.NoError(t, completed.Complete("ok", 1, "0.01"))

	err := completed.Fail("late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, SessionStatusCompleted, completed.Status)

	err = completed.Complete("again", 2, "0.02")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed := NewSession("u1", "x")
	require.NoError(t, failed.Fail("boom"))
	assert.ErrorIs(t, failed.Complete("ok", 1, "0.01"), ErrInvalidTransition)
	assert.Equal(t, SessionStatusError, failed.Status)
}

func TestSession_CompleteRejectsBadCost(t *testing.T) {
	s := NewSession("u1", "x")

	assert.Error(t, s.Complete("ok", 1, "abc"))
	assert.Error(t, s.Complete("ok", 1, "-1"))
	assert.Equal(t, SessionStatusActive, s.Status)
}

func TestSession_CompleteClampsNegativeTokens(t *testing.T) {
	s := NewSession("u1", "x")
	require.NoError(t, s.Complete("ok", -5, ""))
	assert.Zero(t, s.TotalTokens)
	assert.Equal(t, DefaultSessionCost, s.TotalCost)
}

func TestSession_IsOwnedBy(t *testing.T) {
	s := NewSession("u1", "x")
	assert.True(t, s.IsOwnedBy("u1"))
	assert.False(t, s.IsOwnedBy("u2"))
	assert.False(t, s.IsOwnedBy(""))
}

func TestSession_Clone(t *testing.T) {
	s := NewSession("u1", "x").WithTrace("trace-1")
	require.NoError(t, s.Complete("ok", 10, "0.5"))

	c := s.Clone()
	*c.Response = "changed"
	*c.TraceID = "other"

	assert.Equal(t, "ok", *s.Response)
	assert.Equal(t, "trace-1", *s.TraceID)
}

func TestSessionStatus(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		valid    bool
		terminal bool
	}{
		{SessionStatusActive, true, false},
		{SessionStatusCompleted, true, true},
		{SessionStatusError, true, true},
		{SessionStatus("pending"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestNormalizeCost(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "0.00", false},
		{"0", "0.00", false},
		{"0.003", "0.003", false},
		{"1.50", "1.5", false},
		{"nope", "", true},
		{"-0.1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeCost(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// AuditLog tests
func TestNewAuditLog(t *testing.T) {
	log := NewAuditLog(AuditActionComputerUseSession, "Created session")

	assert.NotEqual(t, uuid.Nil, log.ID)
	assert.Equal(t, AuditActionComputerUseSession, log.Action)
	assert.True(t, log.Success)
	assert.Nil(t, log.UserID)
	assert.Nil(t, log.SessionID)
	assert.False(t, log.Timestamp.IsZero())
}

func TestAuditLog_Builders(t *testing.T) {
	sessionID := uuid.New()

	log := NewAuditLog(AuditActionComputerUseSession, "Session failed").
		WithUser("u1").
		WithSession(sessionID).
		WithRequest("req-1").
		WithError("timeout")

	require.NotNil(t, log.UserID)
	assert.Equal(t, "u1", *log.UserID)
	require.NotNil(t, log.SessionID)
	assert.Equal(t, sessionID, *log.SessionID)
	assert.Equal(t, "req-1", log.RequestID)
	assert.False(t, log.Success)
	require.NotNil(t, log.ErrorMessage)
	assert.Equal(t, "timeout", *log.ErrorMessage)
}

func TestAuditLog_WithUserIgnoresEmpty(t *testing.T) {
	log := NewAuditLog(AuditActionLogin, "").WithUser("")
	assert.Nil(t, log.UserID)
}

func TestAuditLog_ShardKey(t *testing.T) {
	sessionID := uuid.New()

	withSession := NewAuditLog(AuditActionComputerUseSession, "").WithUser("u1").WithSession(sessionID)
	assert.Equal(t, sessionID.String(), withSession.ShardKey())

	userOnly := NewAuditLog(AuditActionRateLimited, "").WithUser("u1")
	assert.Equal(t, "u1", userOnly.ShardKey())

	anonymous := NewAuditLog(AuditActionLoginFailed, "")
	assert.Equal(t, anonymous.ID.String(), anonymous.ShardKey())
}

func TestAuditLog_TableName(t *testing.T) {
	assert.Equal(t, "audit_logs", AuditLog{}.TableName())
}

func TestTruncateInstructions(t *testing.T) {
	short := "open the calculator"
	assert.Equal(t, short, TruncateInstructions(short))

	long := strings.Repeat("a", 150)
	got := TruncateInstructions(long)
	assert.Equal(t, strings.Repeat("a", 100)+"...", got)
}

// User tests
func TestNewUser(t *testing.T) {
	user := NewUser("  Test@Example.com ", "hash")

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "test@example.com", user.Email)
	assert.Equal(t, RoleMember, user.Role)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsAdmin())
	assert.False(t, user.CreatedAt.IsZero())
}

func TestUser_JSONHidesPasswordHash(t *testing.T) {
	user := NewUser("a@b.c", "super-secret-hash")

	data, err := json.Marshal(user)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "super-secret-hash")
	assert.NotContains(t, string(data), "hashed_password")
}

func TestUser_TableName(t *testing.T) {
	assert.Equal(t, "users", User{}.TableName())
}
