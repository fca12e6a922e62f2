package model

import "time"

// AlertType identifies the condition that raised an alert.
type AlertType string

const (
	AlertNoToken              AlertType = "no_token"
	AlertExpiryWarning        AlertType = "expiry_warning"
	AlertRefreshFailed        AlertType = "refresh_failed"
	AlertErrorThreshold       AlertType = "error_threshold"
	AlertStaleToken           AlertType = "stale_token"
	AlertAmountSpike          AlertType = "amount_spike"
	AlertProbabilityDrop      AlertType = "probability_drop"
	AlertStageRegression      AlertType = "stage_regression"
	AlertClosingDateExtension AlertType = "closing_date_extension"
)

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TargetKind says what kind of entity an alert points at.
type TargetKind string

const (
	TargetCredential TargetKind = "credential"
	TargetRecord     TargetKind = "record"
	// TargetGlobal is used for conditions with no specific subject, such as
	// "no token configured at all".
	TargetGlobal TargetKind = "global"
)

// Alert is an operator-facing notification. At most one unresolved alert
// per (target, type) pair may exist; re-triggering the same condition
// reuses the open row instead of creating a duplicate.
type Alert struct {
	ID             string
	Type           AlertType
	Severity       Severity
	Message        string
	TargetKind     TargetKind
	TargetID       string
	IsAcknowledged bool
	AcknowledgedAt time.Time
	AcknowledgedBy string
	IsResolved     bool
	ResolvedAt     time.Time
	ResolvedBy     string
	CreatedAt      time.Time
}
