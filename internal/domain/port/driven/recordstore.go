package driven

import (
	"context"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// RecordStore persists the mirrored records and their field history.
type RecordStore interface {
	// GetByID returns one record (active or not), or nil if never seen.
	GetByID(ctx context.Context, externalID string) (*model.MirroredRecord, error)

	// GetByIDs returns the known records among the given ids, keyed by id.
	// Missing ids are simply absent from the map.
	GetByIDs(ctx context.Context, externalIDs []string) (map[string]model.MirroredRecord, error)

	// ActiveIDs returns the external ids of all active records.
	ActiveIDs(ctx context.Context) ([]string, error)

	// ApplyChangeSet commits the change set in a single transaction.
	ApplyChangeSet(ctx context.Context, cs model.ChangeSet) error

	// History returns the field history for one record, oldest first.
	History(ctx context.Context, externalID string) ([]model.FieldHistoryEntry, error)
}
