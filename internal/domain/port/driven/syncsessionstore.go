package driven

import (
	"context"
	"errors"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// ErrSyncInProgress is returned by Begin when an unfinished session already
// exists for the scope.
var ErrSyncInProgress = errors.New("a sync session is already running for this scope")

// SyncSessionStore tracks in-flight batch imports and serializes them per
// scope: at most one running session per scope at a time.
type SyncSessionStore interface {
	// Begin creates a running session for the scope, or returns
	// ErrSyncInProgress if one is already running.
	Begin(ctx context.Context, session model.SyncSession) error

	// Finish marks the session completed or failed and records the summary
	// counts.
	Finish(ctx context.Context, session model.SyncSession) error

	// GetRunning returns the running session for a scope, or nil.
	GetRunning(ctx context.Context, scope string) (*model.SyncSession, error)
}
