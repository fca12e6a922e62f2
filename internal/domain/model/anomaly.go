package model

// Anomaly describes one suspicious business-data change detected on a
// tracked field. Severity is medium or high; the alert raised from it
// carries the same severity.
type Anomaly struct {
	RecordID string
	Field    TrackedField
	Type     AlertType
	Severity Severity
	Message  string
	OldValue string
	NewValue string
}
