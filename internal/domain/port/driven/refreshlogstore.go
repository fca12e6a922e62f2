package driven

import (
	"context"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// RefreshLogStore persists the append-only refresh attempt log. Rows are
// never updated or deleted.
type RefreshLogStore interface {
	// Append writes one attempt row and returns it with the assigned id.
	Append(ctx context.Context, attempt model.RefreshAttempt) (model.RefreshAttempt, error)

	// ListByCredential returns attempts for a credential id, oldest first.
	ListByCredential(ctx context.Context, credentialID string) ([]model.RefreshAttempt, error)

	// CountSuccessful returns the number of successful attempts ever logged.
	CountSuccessful(ctx context.Context) (int, error)
}
