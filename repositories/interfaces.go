package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/computer-use-api/models"
)

// ErrNotFound is wrapped by every repository lookup that finds no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns a context that routes repository calls through the transaction
	Context() context.Context
}

// SessionRepository handles computer use session persistence
type SessionRepository interface {
	// Create inserts a new session
	Create(ctx context.Context, session *models.Session) error

	// GetByID retrieves a session by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)

	// Update writes the mutable fields of a session (status, usage, response, error)
	Update(ctx context.Context, session *models.Session) error

	// List retrieves sessions newest first with pagination
	List(ctx context.Context, limit, offset int) ([]*models.Session, error)

	// ListByUser retrieves sessions of one owner newest first
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error)
}

// AuditRepository handles audit log data operations.
// Entries are append-only; there is no update or delete.
type AuditRepository interface {
	// Insert inserts a new audit log entry and assigns its Sequence
	Insert(ctx context.Context, log *models.AuditLog) error

	// GetByID retrieves an audit log by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error)

	// ListRecent retrieves the newest audit logs
	ListRecent(ctx context.Context, limit, offset int) ([]*models.AuditLog, error)

	// ListBySession retrieves all audit logs of a session in write order
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error)

	// ListByUser retrieves audit logs for a user newest first
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error)

	// ListByDateRange retrieves audit logs within a date range newest first
	ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditLog, error)

	// ListByAction retrieves audit logs by action type newest first
	ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error)
}

// UserRepository handles user data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByEmail retrieves a user by normalized email
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// Update updates a user
	Update(ctx context.Context, user *models.User) error
}

// RateCounterStore keeps one fixed-window counter per key
type RateCounterStore interface {
	// Increment atomically creates or resets an expired counter to 1 with a fresh
	// expiry, otherwise adds 1. It returns the post-increment counter.
	Increment(ctx context.Context, key string, window time.Duration) (models.RateCounter, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Sessions     SessionRepository
	AuditLogs    AuditRepository
	Users        UserRepository
	RateCounters RateCounterStore
}
