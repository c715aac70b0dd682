package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, seq, user_id, session_id, action, details, request_id, timestamp, success, error_message`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry and stores the assigned sequence on log
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, user_id, session_id, action, details, request_id, timestamp, success, error_message
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING seq
	`

	var requestID *string
	if log.RequestID != "" {
		requestID = &log.RequestID
	}

	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query,
		log.ID,
		log.UserID,
		log.SessionID,
		log.Action,
		log.Details,
		requestID,
		log.Timestamp,
		log.Success,
		log.ErrorMessage,
	).Scan(&log.Sequence)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// GetByID retrieves an audit log by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	log, err := scanAuditLog(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit log %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}

	return log, nil
}

// ListRecent retrieves the newest audit logs
func (r *AuditRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		ORDER BY timestamp DESC, seq DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryAuditLogs(ctx, query, limit, offset)
}

// ListBySession retrieves all audit logs of a session in write order
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE session_id = $1
		ORDER BY timestamp ASC, seq ASC
	`
	return r.queryAuditLogs(ctx, query, sessionID)
}

// ListByUser retrieves audit logs for a user with pagination
func (r *AuditRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryAuditLogs(ctx, query, userID, limit, offset)
}

// ListByDateRange retrieves audit logs within a date range
func (r *AuditRepository) ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY timestamp DESC, seq DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryAuditLogs(ctx, query, start, end, limit, offset)
}

// ListByAction retrieves audit logs by action type
func (r *AuditRepository) ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE action = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryAuditLogs(ctx, query, action, limit, offset)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

func scanAuditLog(row rowScanner) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	var sessionID uuid.NullUUID
	var requestID sql.NullString

	err := row.Scan(
		&log.ID,
		&log.Sequence,
		&log.UserID,
		&sessionID,
		&log.Action,
		&log.Details,
		&requestID,
		&log.Timestamp,
		&log.Success,
		&log.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		id := sessionID.UUID
		log.SessionID = &id
	}
	log.RequestID = requestID.String
	return log, nil
}
