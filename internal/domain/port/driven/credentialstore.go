// Package driven defines the driven ports (store and collaborator
// interfaces) the application layer depends on. Adapters implement them.
package driven

import (
	"context"
	"errors"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// ErrNoActiveCredential is returned when the lineage has no active
// credential record.
var ErrNoActiveCredential = errors.New("no active credential")

// CredentialStore persists the credential lineage. The active pointer has a
// single-writer invariant: only the token lifecycle manager, under its
// mutex, activates and deactivates records.
type CredentialStore interface {
	// GetActive returns the single active credential record, or
	// ErrNoActiveCredential if none exists.
	GetActive(ctx context.Context) (*model.CredentialRecord, error)

	// GetByID returns the record with the given id, or nil if absent.
	GetByID(ctx context.Context, id string) (*model.CredentialRecord, error)

	// CreateActive inserts rec with IsActive=true and deactivates any
	// previously active record in the same transaction.
	CreateActive(ctx context.Context, rec model.CredentialRecord) error

	// TouchLastUsed updates last_used on the given record.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// RecordError increments error_count and sets last_error/last_error_at
	// on the given record.
	RecordError(ctx context.Context, id, message string) error
}
