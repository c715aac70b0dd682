package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus represents the lifecycle state of a computer use session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// DefaultSessionCost is the cost recorded before the executor reports usage
const DefaultSessionCost = "0.00"

// ErrInvalidTransition is returned when a status change is not allowed by the state machine
var ErrInvalidTransition = errors.New("invalid session status transition")

// IsTerminal returns true for Completed and Error
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// IsValid returns true if the status is a known value
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusError:
		return true
	}
	return false
}

// Session represents one tracked invocation of the agent executor
type Session struct {
	ID           uuid.UUID     `json:"session_id" db:"id"`
	UserID       string        `json:"user_id" db:"user_id"`
	Instructions string        `json:"instructions" db:"instructions"`
	Status       SessionStatus `json:"status" db:"status"`
	TraceID      *string       `json:"trace_id,omitempty" db:"trace_id"`
	Response     *string       `json:"response,omitempty" db:"response"`
	ErrorMessage *string       `json:"error_message,omitempty" db:"error_message"`
	TotalTokens  int           `json:"total_tokens" db:"total_tokens"`
	TotalCost    string        `json:"total_cost" db:"total_cost"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Session model
func (Session) TableName() string {
	return "computer_use_sessions"
}

// NewSession creates a new Active session owned by userID
func NewSession(userID, instructions string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New(),
		UserID:       userID,
		Instructions: instructions,
		Status:       SessionStatusActive,
		TotalCost:    DefaultSessionCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithTrace sets the external trace identifier
func (s *Session) WithTrace(traceID string) *Session {
	if traceID != "" {
		s.TraceID = &traceID
	}
	return s
}

// CanTransitionTo reports whether the state machine allows moving to next.
// Only Active sessions move, and only into a terminal state.
func (s *Session) CanTransitionTo(next SessionStatus) bool {
	return s.Status == SessionStatusActive && next.IsTerminal()
}

// Complete moves the session to Completed and records usage
func (s *Session) Complete(response string, tokens int, cost string) error {
	if !s.CanTransitionTo(SessionStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SessionStatusCompleted)
	}
	if tokens < 0 {
		tokens = 0
	}
	normalized, err := NormalizeCost(cost)
	if err != nil {
		return err
	}

	s.Status = SessionStatusCompleted
	s.Response = &response
	s.TotalTokens = tokens
	s.TotalCost = normalized
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the session to Error and records the failure message
func (s *Session) Fail(message string) error {
	if !s.CanTransitionTo(SessionStatusError) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SessionStatusError)
	}
	s.Status = SessionStatusError
	s.ErrorMessage = &message
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// IsOwnedBy returns true if the session belongs to the given identity
func (s *Session) IsOwnedBy(userID string) bool {
	return userID != "" && s.UserID == userID
}

// Clone returns a copy that does not share pointer fields with s
func (s *Session) Clone() *Session {
	c := *s
	if s.TraceID != nil {
		v := *s.TraceID
		c.TraceID = &v
	}
	if s.Response != nil {
		v := *s.Response
		c.Response = &v
	}
	if s.ErrorMessage != nil {
		v := *s.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// NormalizeCost validates a decimal cost string and renders it without exponent.
// An empty string is treated as zero.
func NormalizeCost(cost string) (string, error) {
	if cost == "" {
		return DefaultSessionCost, nil
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return "", fmt.Errorf("invalid cost %q: %w", cost, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("invalid cost %q: must not be negative", cost)
	}
	if d.IsZero() {
		return DefaultSessionCost, nil
	}
	return d.String(), nil
}
