package model

import "time"

// SyncSessionStatus is the lifecycle state of a batch import session.
type SyncSessionStatus string

const (
	SyncRunning   SyncSessionStatus = "running"
	SyncCompleted SyncSessionStatus = "completed"
	SyncFailed    SyncSessionStatus = "failed"
)

// SyncSession tracks one in-flight batch import for a scope. Sessions
// serialize ApplyBatch calls: a second Begin for the same scope fails while
// an earlier session is still running.
type SyncSession struct {
	ID         string
	Scope      string
	Status     SyncSessionStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Added      int
	Updated    int
	Removed    int
	Anomalies  int
	Error      string
}
