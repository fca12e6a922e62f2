package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SettingsStore = (*SettingsRepo)(nil)

// SettingsRepo is the SQLite implementation of the SettingsStore port
// interface. Each tunable lives in one key/value row; any key missing from
// the table keeps its model.DefaultSettings value.
type SettingsRepo struct {
	db *DB
}

// NewSettingsRepo creates a new SettingsRepo backed by the given DB.
func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

const (
	keyAmountChangePct        = "amount_change_pct"
	keyAmountChangeHighPct    = "amount_change_high_pct"
	keyProbabilityDropPts     = "probability_drop_pts"
	keyProbabilityDropHighPts = "probability_drop_high_pts"
	keyStageRegressionEnabled = "stage_regression_enabled"
	keyStageRanks             = "stage_ranks"
	keyClosingDateExtDays     = "closing_date_ext_days"
	keyClosingDateExtHighDays = "closing_date_ext_high_days"
	keyMonitorInterval        = "monitor_interval_seconds"
	keyExpiryWarningWindow    = "expiry_warning_minutes"
	keyErrorThreshold         = "error_threshold"
	keyErrorCriticalLevel     = "error_critical_level"
	keyStaleTokenWindow       = "stale_token_hours"
)

// Load returns the current settings, falling back to defaults for any
// missing or malformed key.
func (r *SettingsRepo) Load(ctx context.Context) (model.Settings, error) {
	const query = `SELECT key, value FROM settings`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return model.DefaultSettings(), fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := model.DefaultSettings()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.DefaultSettings(), fmt.Errorf("scan settings row: %w", err)
		}
		switch key {
		case keyAmountChangePct:
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				settings.AmountChangePct = v
			}
		case keyAmountChangeHighPct:
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				settings.AmountChangeHighPct = v
			}
		case keyProbabilityDropPts:
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				settings.ProbabilityDropPts = v
			}
		case keyProbabilityDropHighPts:
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				settings.ProbabilityDropHighPts = v
			}
		case keyStageRegressionEnabled:
			settings.StageRegressionEnabled = value == "1"
		case keyStageRanks:
			var ranks map[string]int
			if err := json.Unmarshal([]byte(value), &ranks); err == nil && len(ranks) > 0 {
				settings.StageRanks = ranks
			}
		case keyClosingDateExtDays:
			if v, err := strconv.Atoi(value); err == nil {
				settings.ClosingDateExtDays = v
			}
		case keyClosingDateExtHighDays:
			if v, err := strconv.Atoi(value); err == nil {
				settings.ClosingDateExtHighDays = v
			}
		case keyMonitorInterval:
			if v, err := strconv.Atoi(value); err == nil {
				settings.MonitorInterval = time.Duration(v) * time.Second
			}
		case keyExpiryWarningWindow:
			if v, err := strconv.Atoi(value); err == nil {
				settings.ExpiryWarningWindow = time.Duration(v) * time.Minute
			}
		case keyErrorThreshold:
			if v, err := strconv.Atoi(value); err == nil {
				settings.ErrorThreshold = v
			}
		case keyErrorCriticalLevel:
			if v, err := strconv.Atoi(value); err == nil {
				settings.ErrorCriticalLevel = v
			}
		case keyStaleTokenWindow:
			if v, err := strconv.Atoi(value); err == nil {
				settings.StaleTokenWindow = time.Duration(v) * time.Hour
			}
		}
	}
	if err := rows.Err(); err != nil {
		return model.DefaultSettings(), fmt.Errorf("iterate settings: %w", err)
	}
	return settings, nil
}

// Save persists all settings in one transaction.
func (r *SettingsRepo) Save(ctx context.Context, settings model.Settings) error {
	ranks, err := json.Marshal(settings.StageRanks)
	if err != nil {
		return fmt.Errorf("marshal stage ranks: %w", err)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	regression := "0"
	if settings.StageRegressionEnabled {
		regression = "1"
	}

	pairs := []struct {
		key   string
		value string
	}{
		{keyAmountChangePct, strconv.FormatFloat(settings.AmountChangePct, 'f', -1, 64)},
		{keyAmountChangeHighPct, strconv.FormatFloat(settings.AmountChangeHighPct, 'f', -1, 64)},
		{keyProbabilityDropPts, strconv.FormatFloat(settings.ProbabilityDropPts, 'f', -1, 64)},
		{keyProbabilityDropHighPts, strconv.FormatFloat(settings.ProbabilityDropHighPts, 'f', -1, 64)},
		{keyStageRegressionEnabled, regression},
		{keyStageRanks, string(ranks)},
		{keyClosingDateExtDays, strconv.Itoa(settings.ClosingDateExtDays)},
		{keyClosingDateExtHighDays, strconv.Itoa(settings.ClosingDateExtHighDays)},
		{keyMonitorInterval, strconv.Itoa(int(settings.MonitorInterval / time.Second))},
		{keyExpiryWarningWindow, strconv.Itoa(int(settings.ExpiryWarningWindow / time.Minute))},
		{keyErrorThreshold, strconv.Itoa(settings.ErrorThreshold)},
		{keyErrorCriticalLevel, strconv.Itoa(settings.ErrorCriticalLevel)},
		{keyStaleTokenWindow, strconv.Itoa(int(settings.StaleTokenWindow / time.Hour))},
	}

	const upsert = `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`
	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx, upsert, p.key, p.value); err != nil {
			return fmt.Errorf("save setting %q: %w", p.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}
