package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SyncSessionStore = (*SyncSessionRepo)(nil)

// SyncSessionRepo is the SQLite implementation of the SyncSessionStore port
// interface. The partial unique index idx_sync_sessions_running enforces at
// most one running session per scope, which is what serializes concurrent
// batch imports targeting the same scope.
type SyncSessionRepo struct {
	db *DB
}

// NewSyncSessionRepo creates a new SyncSessionRepo backed by the given DB.
func NewSyncSessionRepo(db *DB) *SyncSessionRepo {
	return &SyncSessionRepo{db: db}
}

// Begin creates a running session for the scope, or returns
// driven.ErrSyncInProgress if one is already running.
func (r *SyncSessionRepo) Begin(ctx context.Context, session model.SyncSession) error {
	const query = `INSERT INTO sync_sessions (id, scope, status, started_at) VALUES (?, ?, ?, ?)`
	_, err := r.db.Writer.ExecContext(ctx, query,
		session.ID, session.Scope, string(model.SyncRunning), nullTime(session.StartedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("begin sync for scope %q: %w", session.Scope, driven.ErrSyncInProgress)
		}
		return fmt.Errorf("begin sync for scope %q: %w", session.Scope, err)
	}
	return nil
}

// Finish marks the session completed or failed and records the summary counts.
func (r *SyncSessionRepo) Finish(ctx context.Context, session model.SyncSession) error {
	const query = `UPDATE sync_sessions
		SET status = ?, finished_at = ?, added = ?, updated = ?, removed = ?, anomalies = ?, error = ?
		WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query,
		string(session.Status), nullTime(session.FinishedAt),
		session.Added, session.Updated, session.Removed, session.Anomalies,
		session.Error, session.ID)
	if err != nil {
		return fmt.Errorf("finish sync session %q: %w", session.ID, err)
	}
	return nil
}

// GetRunning returns the running session for a scope, or nil.
func (r *SyncSessionRepo) GetRunning(ctx context.Context, scope string) (*model.SyncSession, error) {
	const query = `SELECT id, scope, status, started_at, finished_at, added, updated, removed, anomalies, error
		FROM sync_sessions WHERE scope = ? AND status = ?`

	var (
		s          model.SyncSession
		status     string
		startedAt  string
		finishedAt sql.NullString
	)
	err := r.db.Reader.QueryRowContext(ctx, query, scope, string(model.SyncRunning)).Scan(
		&s.ID, &s.Scope, &status, &startedAt, &finishedAt,
		&s.Added, &s.Updated, &s.Removed, &s.Anomalies, &s.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running session for %q: %w", scope, err)
	}

	s.Status = model.SyncSessionStatus(status)
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if s.FinishedAt, err = scanNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &s, nil
}
