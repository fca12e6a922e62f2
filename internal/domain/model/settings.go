package model

import "time"

// Settings holds every runtime-tunable threshold and interval. Values are
// persisted in the settings key/value table; missing keys fall back to
// DefaultSettings.
type Settings struct {
	// Anomaly detection thresholds. Comparisons are strict: a change
	// exactly at the threshold does not alert.
	AmountChangePct       float64 // medium above this percent change
	AmountChangeHighPct   float64 // high above this
	ProbabilityDropPts    float64 // medium above this many points dropped
	ProbabilityDropHighPts float64
	StageRegressionEnabled bool
	StageRanks             map[string]int // stage name -> ordinal rank, unknown = 0
	ClosingDateExtDays     int            // medium above this many days of extension
	ClosingDateExtHighDays int

	// Token lifecycle and monitor tuning.
	MonitorInterval     time.Duration
	ExpiryWarningWindow time.Duration
	ErrorThreshold      int // alert at this many consecutive refresh errors
	ErrorCriticalLevel  int // critical severity at this many
	StaleTokenWindow    time.Duration
}

// DefaultSettings returns the hard-coded defaults used when a key is
// missing from the settings store.
func DefaultSettings() Settings {
	return Settings{
		AmountChangePct:        50,
		AmountChangeHighPct:    100,
		ProbabilityDropPts:     30,
		ProbabilityDropHighPts: 45,
		StageRegressionEnabled: true,
		StageRanks:             DefaultStageRanks(),
		ClosingDateExtDays:     90,
		ClosingDateExtHighDays: 180,
		MonitorInterval:        300 * time.Second,
		ExpiryWarningWindow:    30 * time.Minute,
		ErrorThreshold:         3,
		ErrorCriticalLevel:     5,
		StaleTokenWindow:       24 * time.Hour,
	}
}

// DefaultStageRanks maps the standard sales pipeline stages to their
// ordinal position. Stage names not present here rank 0 and are excluded
// from regression checks.
func DefaultStageRanks() map[string]int {
	return map[string]int{
		"Qualification":      1,
		"Needs Analysis":     2,
		"Value Proposition":  3,
		"Proposal":           4,
		"Negotiation":        5,
		"Closed Won":         6,
		"Closed Lost":        6,
	}
}
