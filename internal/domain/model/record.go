package model

import "time"

// MirroredRecord is the local copy of one remote CRM entity, keyed by the
// CRM's external identifier. Records are never physically deleted;
// disappearance from the source flips IsActive off, reappearance flips it
// back on without disturbing history.
type MirroredRecord struct {
	ExternalID    string
	CurrentData   map[string]string
	IsActive      bool
	FirstSeenDate time.Time
	LastSeenDate  time.Time
}

// RemoteRecord is one entity as returned by the remote CRM: the external
// identifier plus a flat attribute map.
type RemoteRecord struct {
	ExternalID string
	Attributes map[string]string
}

// FieldHistoryEntry is one append-only change row for a tracked field of a
// mirrored record. ChangeDate is the business date the change was observed
// for; RecordedAt is the wall-clock write time.
type FieldHistoryEntry struct {
	ID         int64
	ExternalID string
	FieldName  string
	OldValue   string
	NewValue   string
	ChangeDate time.Time
	RecordedAt time.Time
}

// ChangeSet is the storage unit of work produced by one ApplyBatch run.
// The record store commits it in a single transaction: either every
// create, update, deactivation, and history row lands, or none do.
type ChangeSet struct {
	Creates       []MirroredRecord
	Updates       []MirroredRecord
	Deactivations []string // external ids, last seen set to AsOfDate
	History       []FieldHistoryEntry
	AsOfDate      time.Time
}

// Empty reports whether the change set carries no work at all.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Creates) == 0 && len(cs.Updates) == 0 &&
		len(cs.Deactivations) == 0 && len(cs.History) == 0
}
