package sqlite

import (
	"context"
	"fmt"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RefreshLogStore = (*RefreshLogRepo)(nil)

// RefreshLogRepo is the SQLite implementation of the RefreshLogStore port
// interface. The table is append-only: no update or delete statements exist
// in this file.
type RefreshLogRepo struct {
	db *DB
}

// NewRefreshLogRepo creates a new RefreshLogRepo backed by the given DB.
func NewRefreshLogRepo(db *DB) *RefreshLogRepo {
	return &RefreshLogRepo{db: db}
}

// Append writes one attempt row and returns it with the assigned id.
func (r *RefreshLogRepo) Append(ctx context.Context, attempt model.RefreshAttempt) (model.RefreshAttempt, error) {
	const query = `INSERT INTO refresh_attempts
		(credential_id, attempted_at, success, error_message, response_code, response_time_ms, retry_count, trigger_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.Writer.ExecContext(ctx, query,
		attempt.CredentialID, nullTime(attempt.AttemptedAt), boolToInt(attempt.Success),
		attempt.ErrorMessage, attempt.ResponseCode, attempt.ResponseTimeMS,
		attempt.RetryCount, string(attempt.TriggerReason),
	)
	if err != nil {
		return model.RefreshAttempt{}, fmt.Errorf("append refresh attempt: %w", err)
	}

	attempt.ID, err = res.LastInsertId()
	if err != nil {
		return model.RefreshAttempt{}, fmt.Errorf("refresh attempt id: %w", err)
	}
	return attempt, nil
}

// ListByCredential returns attempts for a credential id, oldest first.
func (r *RefreshLogRepo) ListByCredential(ctx context.Context, credentialID string) ([]model.RefreshAttempt, error) {
	const query = `SELECT id, credential_id, attempted_at, success, error_message,
		response_code, response_time_ms, retry_count, trigger_reason
		FROM refresh_attempts WHERE credential_id = ? ORDER BY attempted_at, id`

	rows, err := r.db.Reader.QueryContext(ctx, query, credentialID)
	if err != nil {
		return nil, fmt.Errorf("list refresh attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.RefreshAttempt
	for rows.Next() {
		var (
			a           model.RefreshAttempt
			attemptedAt string
			success     int
			reason      string
		)
		if err := rows.Scan(&a.ID, &a.CredentialID, &attemptedAt, &success,
			&a.ErrorMessage, &a.ResponseCode, &a.ResponseTimeMS, &a.RetryCount, &reason); err != nil {
			return nil, fmt.Errorf("scan refresh attempt: %w", err)
		}
		a.Success = success == 1
		a.TriggerReason = model.TriggerReason(reason)
		if a.AttemptedAt, err = parseTime(attemptedAt); err != nil {
			return nil, fmt.Errorf("parse attempted_at: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh attempts: %w", err)
	}
	return attempts, nil
}

// CountSuccessful returns the number of successful attempts ever logged.
func (r *RefreshLogRepo) CountSuccessful(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM refresh_attempts WHERE success = 1`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count successful refresh attempts: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
