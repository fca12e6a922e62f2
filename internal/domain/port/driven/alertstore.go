package driven

import (
	"context"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// AlertStore persists operator alerts with per-(target, type) deduplication
// of unresolved rows.
type AlertStore interface {
	// Raise creates an alert, unless an unresolved alert for the same
	// (target kind, target id, type) already exists, in which case the
	// existing row is returned unchanged. The bool reports whether a new
	// row was created.
	Raise(ctx context.Context, alert model.Alert) (model.Alert, bool, error)

	// GetByID returns the alert with the given id, or nil if absent.
	GetByID(ctx context.Context, id string) (*model.Alert, error)

	// ListUnresolved returns all unresolved alerts, newest first.
	ListUnresolved(ctx context.Context) ([]model.Alert, error)

	// Acknowledge marks an alert acknowledged by the given actor.
	Acknowledge(ctx context.Context, id, actor string, at time.Time) error

	// Resolve marks an alert resolved by the given actor.
	Resolve(ctx context.Context, id, actor string, at time.Time) error

	// ResolveAllForTarget resolves every unresolved alert pointing at the
	// given target. Used when a credential refresh clears its alerts.
	ResolveAllForTarget(ctx context.Context, kind model.TargetKind, targetID, actor string, at time.Time) error
}
