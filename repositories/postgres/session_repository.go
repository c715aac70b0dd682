package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"go.uber.org/zap"
)

const sessionColumns = `id, user_id, instructions, status, trace_id, response, error_message,
	total_tokens, total_cost, created_at, updated_at`

// SessionRepository implements the repositories.SessionRepository interface
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, logger *zap.Logger) repositories.SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO computer_use_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.Instructions,
		session.Status,
		session.TraceID,
		session.Response,
		session.ErrorMessage,
		session.TotalTokens,
		session.TotalCost,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Debug("session created", zap.String("id", session.ID.String()), zap.String("user_id", session.UserID))
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM computer_use_sessions WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	session, err := scanSession(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// Update writes the mutable fields of a session. The status guard keeps a
// terminal row from being overwritten.
func (r *SessionRepository) Update(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE computer_use_sessions
		SET status = $2, trace_id = $3, response = $4, error_message = $5,
		    total_tokens = $6, total_cost = $7, updated_at = $8
		WHERE id = $1 AND status = 'active'
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		session.ID,
		session.Status,
		session.TraceID,
		session.Response,
		session.ErrorMessage,
		session.TotalTokens,
		session.TotalCost,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("active session %s: %w", session.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("session updated", zap.String("id", session.ID.String()), zap.String("status", string(session.Status)))
	return nil
}

// List retrieves sessions newest first with pagination
func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM computer_use_sessions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.querySessions(ctx, query, limit, offset)
}

// ListByUser retrieves sessions of one owner newest first
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM computer_use_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.querySessions(ctx, query, userID, limit, offset)
}

func (r *SessionRepository) querySessions(ctx context.Context, query string, args ...interface{}) ([]*models.Session, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Instructions,
		&s.Status,
		&s.TraceID,
		&s.Response,
		&s.ErrorMessage,
		&s.TotalTokens,
		&s.TotalCost,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	// NUMERIC columns come back padded to their scale
	if cost, err := models.NormalizeCost(s.TotalCost); err == nil {
		s.TotalCost = cost
	}
	return s, nil
}
