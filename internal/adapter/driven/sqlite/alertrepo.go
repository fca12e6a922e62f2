package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AlertStore = (*AlertRepo)(nil)

// AlertRepo is the SQLite implementation of the AlertStore port interface.
// The unique partial index idx_alerts_open backs the one-unresolved-row-per-
// (target, type) invariant; Raise checks first so re-triggers reuse the open
// row instead of failing the insert.
type AlertRepo struct {
	db *DB
}

// NewAlertRepo creates a new AlertRepo backed by the given DB.
func NewAlertRepo(db *DB) *AlertRepo {
	return &AlertRepo{db: db}
}

const alertColumns = `id, alert_type, severity, message, target_kind, target_id,
	is_acknowledged, acknowledged_at, acknowledged_by,
	is_resolved, resolved_at, resolved_by, created_at`

// Raise creates an alert unless an unresolved alert for the same
// (target kind, target id, type) already exists. The bool reports whether
// a new row was created.
func (r *AlertRepo) Raise(ctx context.Context, alert model.Alert) (model.Alert, bool, error) {
	existing, err := r.getOpen(ctx, alert.TargetKind, alert.TargetID, alert.Type)
	if err != nil {
		return model.Alert{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	const insert = `INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, '', 0, NULL, '', ?)`
	_, err = r.db.Writer.ExecContext(ctx, insert,
		alert.ID, string(alert.Type), string(alert.Severity), alert.Message,
		string(alert.TargetKind), alert.TargetID, nullTime(alert.CreatedAt),
	)
	if err != nil {
		// A concurrent Raise may have won the insert; the partial unique
		// index rejects the duplicate, so fall back to the open row.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			existing, getErr := r.getOpen(ctx, alert.TargetKind, alert.TargetID, alert.Type)
			if getErr == nil && existing != nil {
				return *existing, false, nil
			}
		}
		return model.Alert{}, false, fmt.Errorf("insert alert %s: %w", alert.Type, err)
	}
	return alert, true, nil
}

// GetByID returns the alert with the given id, or nil if absent.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	alert, err := scanAlert(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %q: %w", id, err)
	}
	return alert, nil
}

// ListUnresolved returns all unresolved alerts, newest first.
func (r *AlertRepo) ListUnresolved(ctx context.Context) ([]model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE is_resolved = 0 ORDER BY created_at DESC`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unresolved alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// Acknowledge marks an alert acknowledged by the given actor.
func (r *AlertRepo) Acknowledge(ctx context.Context, id, actor string, at time.Time) error {
	const query = `UPDATE alerts SET is_acknowledged = 1, acknowledged_at = ?, acknowledged_by = ? WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, nullTime(at), actor, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert %q: %w", id, err)
	}
	return nil
}

// Resolve marks an alert resolved by the given actor.
func (r *AlertRepo) Resolve(ctx context.Context, id, actor string, at time.Time) error {
	const query = `UPDATE alerts SET is_resolved = 1, resolved_at = ?, resolved_by = ? WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, nullTime(at), actor, id)
	if err != nil {
		return fmt.Errorf("resolve alert %q: %w", id, err)
	}
	return nil
}

// ResolveAllForTarget resolves every unresolved alert pointing at the target.
func (r *AlertRepo) ResolveAllForTarget(ctx context.Context, kind model.TargetKind, targetID, actor string, at time.Time) error {
	const query = `UPDATE alerts SET is_resolved = 1, resolved_at = ?, resolved_by = ?
		WHERE target_kind = ? AND target_id = ? AND is_resolved = 0`
	_, err := r.db.Writer.ExecContext(ctx, query, nullTime(at), actor, string(kind), targetID)
	if err != nil {
		return fmt.Errorf("resolve alerts for %s %q: %w", kind, targetID, err)
	}
	return nil
}

func (r *AlertRepo) getOpen(ctx context.Context, kind model.TargetKind, targetID string, typ model.AlertType) (*model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE target_kind = ? AND target_id = ? AND alert_type = ? AND is_resolved = 0`

	alert, err := scanAlert(r.db.Reader.QueryRowContext(ctx, query, string(kind), targetID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open alert %s/%s/%s: %w", kind, targetID, typ, err)
	}
	return alert, nil
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		a                        model.Alert
		typ, severity, kind      string
		acked, resolved          int
		ackedAt, resolvedAt      sql.NullString
		createdAt                string
	)

	err := row.Scan(&a.ID, &typ, &severity, &a.Message, &kind, &a.TargetID,
		&acked, &ackedAt, &a.AcknowledgedBy,
		&resolved, &resolvedAt, &a.ResolvedBy, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(severity)
	a.TargetKind = model.TargetKind(kind)
	a.IsAcknowledged = acked == 1
	a.IsResolved = resolved == 1

	if a.AcknowledgedAt, err = scanNullTime(ackedAt); err != nil {
		return nil, fmt.Errorf("parse acknowledged_at: %w", err)
	}
	if a.ResolvedAt, err = scanNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &a, nil
}
