// Package memory provides in-process repositories used when no database is
// configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
)

// NewRepositories creates in-memory implementations of every repository.
// counters may be nil when the rate limiter uses its own store.
func NewRepositories(counters repositories.RateCounterStore) *repositories.Repositories {
	return &repositories.Repositories{
		Sessions:     NewSessionRepository(),
		AuditLogs:    NewAuditRepository(),
		Users:        NewUserRepository(),
		RateCounters: counters,
	}
}

// SessionRepository stores sessions in a map
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.Session
}

// NewSessionRepository creates an empty session repository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[uuid.UUID]*models.Session)}
}

// Create inserts a copy of session
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

// GetByID returns a copy of the stored session
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, repositories.ErrNotFound)
	}
	return s.Clone(), nil
}

// Update replaces an active session's mutable fields
func (r *SessionRepository) Update(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[session.ID]
	if !ok || existing.Status != models.SessionStatusActive {
		return fmt.Errorf("active session %s: %w", session.ID, repositories.ErrNotFound)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

// List returns sessions newest first
func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]*models.Session, error) {
	return r.list(func(*models.Session) bool { return true }, limit, offset), nil
}

// ListByUser returns sessions of one owner newest first
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	return r.list(func(s *models.Session) bool { return s.UserID == userID }, limit, offset), nil
}

func (r *SessionRepository) list(match func(*models.Session) bool, limit, offset int) []*models.Session {
	r.mu.RLock()
	out := make([]*models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, limit, offset)
}

// AuditRepository is an append-only in-memory audit log
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*models.AuditLog
	seq     int64
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends a copy of log and assigns the next sequence number
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	log.Sequence = r.seq
	stored := *log
	r.entries = append(r.entries, &stored)
	return nil
}

// GetByID retrieves an audit log by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("audit log %s: %w", id, repositories.ErrNotFound)
}

// ListRecent returns the newest entries first
func (r *AuditRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.AuditLog, error) {
	return r.newestFirst(func(*models.AuditLog) bool { return true }, limit, offset), nil
}

// ListBySession returns every entry of the session in write order
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error) {
	out := r.filter(func(e *models.AuditLog) bool {
		return e.SessionID != nil && *e.SessionID == sessionID
	})
	sort.SliceStable(out, func(i, j int) bool {
		return auditBefore(out[i], out[j])
	})
	return out, nil
}

// ListByUser returns entries of one identity newest first
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error) {
	return r.newestFirst(func(e *models.AuditLog) bool {
		return e.UserID != nil && *e.UserID == userID
	}, limit, offset), nil
}

// ListByDateRange returns entries with start <= timestamp <= end newest first
func (r *AuditRepository) ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditLog, error) {
	return r.newestFirst(func(e *models.AuditLog) bool {
		return !e.Timestamp.Before(start) && !e.Timestamp.After(end)
	}, limit, offset), nil
}

// ListByAction returns entries of one action newest first
func (r *AuditRepository) ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error) {
	return r.newestFirst(func(e *models.AuditLog) bool { return e.Action == action }, limit, offset), nil
}

func (r *AuditRepository) filter(match func(*models.AuditLog) bool) []*models.AuditLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditLog, 0)
	for _, e := range r.entries {
		if match(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

func (r *AuditRepository) newestFirst(match func(*models.AuditLog) bool, limit, offset int) []*models.AuditLog {
	out := r.filter(match)
	sort.SliceStable(out, func(i, j int) bool {
		return auditBefore(out[j], out[i])
	})
	return paginate(out, limit, offset)
}

// auditBefore orders by timestamp, then by sequence
func auditBefore(a, b *models.AuditLog) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Sequence < b.Sequence
}

// UserRepository stores users keyed by id with an email index
type UserRepository struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]*models.User
	byEmail map[string]uuid.UUID
}

// NewUserRepository creates an empty user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:   make(map[uuid.UUID]*models.User),
		byEmail: make(map[string]uuid.UUID),
	}
}

// Create creates a new user; emails are unique
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := models.NormalizeEmail(user.Email)
	if _, exists := r.byEmail[email]; exists {
		return fmt.Errorf("user with email %s already exists", email)
	}
	c := *user
	r.users[user.ID] = &c
	r.byEmail[email] = user.ID
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
	}
	c := *u
	return &c, nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[models.NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, repositories.ErrNotFound)
	}
	c := *r.users[id]
	return &c, nil
}

// Update updates a user
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.users[user.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", user.ID, repositories.ErrNotFound)
	}
	delete(r.byEmail, models.NormalizeEmail(existing.Email))
	c := *user
	r.users[user.ID] = &c
	r.byEmail[models.NormalizeEmail(user.Email)] = user.ID
	return nil
}

// TransactionManager runs functions without isolation. Memory repositories
// apply each write immediately, so Rollback does not undo anything.
type TransactionManager struct{}

// NewTransactionManager creates a no-op transaction manager
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

// Begin returns a transaction bound to ctx
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &transaction{ctx: ctx}, nil
}

// InTransaction runs fn and reports its error
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, _ := tm.Begin(ctx)
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type transaction struct {
	ctx context.Context
}

func (t *transaction) Commit() error            { return nil }
func (t *transaction) Rollback() error          { return nil }
func (t *transaction) Context() context.Context { return t.ctx }

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
