package application

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Summary reports the outcome of one ApplyBatch call. UnparsableFields
// counts tracked-field values that could not be normalized for comparison;
// those diffs are skipped without failing the record or the batch.
type Summary struct {
	Added            int
	Updated          int
	Removed          int
	Anomalies        []model.Anomaly
	UnparsableFields int
}

// Merger applies an accepted batch to the mirror: creating, updating,
// reactivating, and deactivating records, appending field history for every
// tracked-field change, and screening each change for anomalies.
//
// The whole batch is committed as one storage transaction, but business
// rules are partial-failure tolerant: a field that cannot be normalized is
// skipped and counted, never aborting the record or the batch.
type Merger struct {
	records  driven.RecordStore
	alerts   driven.AlertStore
	detector *AnomalyDetector
	logger   *slog.Logger
}

// NewMerger creates a Merger with all required dependencies.
func NewMerger(records driven.RecordStore, alerts driven.AlertStore, detector *AnomalyDetector, logger *slog.Logger) *Merger {
	return &Merger{
		records:  records,
		alerts:   alerts,
		detector: detector,
		logger:   logger,
	}
}

// ApplyBatch walks the incoming batch against the mirror as of the given
// business date. Each record is processed exactly once; duplicate external
// ids within the batch keep the first occurrence.
func (m *Merger) ApplyBatch(ctx context.Context, batch []model.RemoteRecord, asOf time.Time) (Summary, error) {
	var summary Summary

	seen := make(map[string]struct{}, len(batch))
	ids := make([]string, 0, len(batch))
	byID := make(map[string]model.RemoteRecord, len(batch))
	for _, rec := range batch {
		if _, dup := seen[rec.ExternalID]; dup {
			m.logger.Warn("duplicate external id in batch, keeping first", "external_id", rec.ExternalID)
			continue
		}
		seen[rec.ExternalID] = struct{}{}
		ids = append(ids, rec.ExternalID)
		byID[rec.ExternalID] = rec
	}

	known, err := m.records.GetByIDs(ctx, ids)
	if err != nil {
		return Summary{}, fmt.Errorf("load known records: %w", err)
	}
	activeIDs, err := m.records.ActiveIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load active ids: %w", err)
	}

	cs := model.ChangeSet{AsOfDate: asOf}

	for _, id := range ids {
		incoming := byID[id]
		stored, ok := known[id]
		if !ok {
			cs.Creates = append(cs.Creates, model.MirroredRecord{
				ExternalID:    id,
				CurrentData:   incoming.Attributes,
				IsActive:      true,
				FirstSeenDate: asOf,
				LastSeenDate:  asOf,
			})
			summary.Added++
			continue
		}

		// Known record, active or previously deactivated. A reactivated
		// record is diffed like an active one so its history continues
		// from before the deactivation.
		for _, field := range model.TrackedFields() {
			oldNorm, newNorm, ok := m.normalizePair(field, stored.CurrentData[string(field)], incoming.Attributes[string(field)], &summary)
			if !ok || oldNorm == newNorm {
				continue
			}

			cs.History = append(cs.History, model.FieldHistoryEntry{
				ExternalID: id,
				FieldName:  string(field),
				OldValue:   oldNorm,
				NewValue:   newNorm,
				ChangeDate: asOf,
			})
			if anomaly := m.detector.Evaluate(field, oldNorm, newNorm); anomaly != nil {
				anomaly.RecordID = id
				summary.Anomalies = append(summary.Anomalies, *anomaly)
			}
		}

		cs.Updates = append(cs.Updates, model.MirroredRecord{
			ExternalID:   id,
			CurrentData:  incoming.Attributes,
			IsActive:     true,
			LastSeenDate: asOf,
		})
		summary.Updated++
	}

	for _, activeID := range activeIDs {
		if _, present := seen[activeID]; !present {
			cs.Deactivations = append(cs.Deactivations, activeID)
			summary.Removed++
		}
	}

	if err := m.records.ApplyChangeSet(ctx, cs); err != nil {
		return Summary{}, fmt.Errorf("commit batch: %w", err)
	}

	// Alerts are raised after the commit so a rolled-back batch leaves no
	// trace. The alert store deduplicates unresolved (record, type) pairs.
	for _, anomaly := range summary.Anomalies {
		m.raiseAnomalyAlert(ctx, anomaly)
	}

	if summary.UnparsableFields > 0 {
		m.logger.Warn("batch contained unparsable tracked-field values",
			"count", summary.UnparsableFields, "as_of", asOf.Format("2006-01-02"))
	}

	m.logger.Info("batch applied",
		"as_of", asOf.Format("2006-01-02"),
		"added", summary.Added,
		"updated", summary.Updated,
		"removed", summary.Removed,
		"anomalies", len(summary.Anomalies),
	)
	return summary, nil
}

// raiseAnomalyAlert persists one anomaly as an operator alert targeting the
// record. Failures are logged, not propagated: the batch itself already
// committed.
func (m *Merger) raiseAnomalyAlert(ctx context.Context, anomaly model.Anomaly) {
	_, _, err := m.alerts.Raise(ctx, model.Alert{
		Type:       anomaly.Type,
		Severity:   anomaly.Severity,
		Message:    anomaly.Message,
		TargetKind: model.TargetRecord,
		TargetID:   anomaly.RecordID,
	})
	if err != nil {
		m.logger.Error("raise anomaly alert failed",
			"record", anomaly.RecordID, "type", anomaly.Type, "error", err)
	}
}

// normalizePair normalizes both sides of a tracked-field comparison. The
// bool is false when either side fails to normalize; the failure is counted
// and the field's diff is skipped.
func (m *Merger) normalizePair(field model.TrackedField, oldValue, newValue string, summary *Summary) (string, string, bool) {
	oldNorm, oldErr := normalizeFieldValue(field, oldValue)
	newNorm, newErr := normalizeFieldValue(field, newValue)
	if oldErr != nil || newErr != nil {
		summary.UnparsableFields++
		return "", "", false
	}
	return oldNorm, newNorm, true
}

// normalizeFieldValue maps a raw attribute value to its canonical string
// form so that "1000" and "1000.00" compare equal. Empty values normalize
// to the empty string for every field.
func normalizeFieldValue(field model.TrackedField, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}

	switch field {
	case model.FieldAmount, model.FieldProbability:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("parse %s %q: %w", field, value, err)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case model.FieldClosingDate:
		t, err := parseBusinessDate(value)
		if err != nil {
			return "", err
		}
		return t.Format("2006-01-02"), nil
	case model.FieldModifiedTime:
		t, err := parseBusinessDate(value)
		if err != nil {
			return "", err
		}
		return t.UTC().Format(time.RFC3339), nil
	default:
		// Stage and owner compare as trimmed strings.
		return value, nil
	}
}
