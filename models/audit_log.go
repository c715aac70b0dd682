package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionComputerUseSession AuditAction = "computer_use_session"
	AuditActionRateLimited        AuditAction = "rate_limited"
	AuditActionLogin              AuditAction = "login"
	AuditActionLoginFailed        AuditAction = "login_failed"
)

// maxDetailsInstructions bounds how much of the instructions text lands in details
const maxDetailsInstructions = 100

// AuditLog represents an immutable audit trail entry
type AuditLog struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	UserID       *string     `json:"user_id,omitempty" db:"user_id"`
	SessionID    *uuid.UUID  `json:"session_id,omitempty" db:"session_id"`
	Action       AuditAction `json:"action" db:"action"`
	Details      string      `json:"details" db:"details"`
	Timestamp    time.Time   `json:"timestamp" db:"timestamp"`
	Success      bool        `json:"success" db:"success"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	RequestID    string      `json:"request_id,omitempty" db:"request_id"`
	// Sequence is assigned by the store in insert order and breaks timestamp ties
	Sequence int64 `json:"sequence" db:"seq"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new successful AuditLog instance
func NewAuditLog(action AuditAction, details string) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
		Success:   true,
	}
}

// WithUser sets the acting identity
func (a *AuditLog) WithUser(userID string) *AuditLog {
	if userID != "" {
		a.UserID = &userID
	}
	return a
}

// WithSession sets the session the entry documents
func (a *AuditLog) WithSession(sessionID uuid.UUID) *AuditLog {
	a.SessionID = &sessionID
	return a
}

// WithRequest sets the request correlation id
func (a *AuditLog) WithRequest(requestID string) *AuditLog {
	a.RequestID = requestID
	return a
}

// WithError marks the entry as failed
func (a *AuditLog) WithError(errorMessage string) *AuditLog {
	a.Success = false
	a.ErrorMessage = &errorMessage
	return a
}

// WithFailure marks the entry as failed without an error message
func (a *AuditLog) WithFailure() *AuditLog {
	a.Success = false
	return a
}

// ShardKey returns the key used to keep entries of one session in write order
func (a *AuditLog) ShardKey() string {
	if a.SessionID != nil {
		return a.SessionID.String()
	}
	if a.UserID != nil {
		return *a.UserID
	}
	return a.ID.String()
}

// TruncateInstructions shortens instructions for audit details
func TruncateInstructions(instructions string) string {
	runes := []rune(instructions)
	if len(runes) <= maxDetailsInstructions {
		return instructions
	}
	return string(runes[:maxDetailsInstructions]) + "..."
}
