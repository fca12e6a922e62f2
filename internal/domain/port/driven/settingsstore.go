package driven

import (
	"context"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// SettingsStore loads and saves the tunable thresholds and intervals.
// Missing keys fall back to model.DefaultSettings values, so Load never
// fails on an empty table.
type SettingsStore interface {
	Load(ctx context.Context) (model.Settings, error)
	Save(ctx context.Context, settings model.Settings) error
}
