package application

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// AnomalyDetector evaluates one (field, old, new) change against the
// configured thresholds. All comparisons are strict: a change exactly at a
// threshold does not alert. Values that cannot be parsed for a rule produce
// no anomaly; the merger counts them separately so they are not lost.
type AnomalyDetector struct {
	settings model.Settings
}

// NewAnomalyDetector creates a detector with the given thresholds.
func NewAnomalyDetector(settings model.Settings) *AnomalyDetector {
	return &AnomalyDetector{settings: settings}
}

// Evaluate returns the anomaly for a tracked-field change, or nil when the
// change is unremarkable or cannot be assessed.
func (d *AnomalyDetector) Evaluate(field model.TrackedField, oldValue, newValue string) *model.Anomaly {
	switch field {
	case model.FieldAmount:
		return d.evaluateAmount(oldValue, newValue)
	case model.FieldProbability:
		return d.evaluateProbability(oldValue, newValue)
	case model.FieldStage:
		return d.evaluateStage(oldValue, newValue)
	case model.FieldClosingDate:
		return d.evaluateClosingDate(oldValue, newValue)
	default:
		// Owner and modification-time changes are tracked in history but
		// carry no anomaly rule.
		return nil
	}
}

func (d *AnomalyDetector) evaluateAmount(oldValue, newValue string) *model.Anomaly {
	oldAmt, err := strconv.ParseFloat(strings.TrimSpace(oldValue), 64)
	if err != nil {
		return nil
	}
	newAmt, err := strconv.ParseFloat(strings.TrimSpace(newValue), 64)
	if err != nil {
		return nil
	}
	if oldAmt == 0 {
		// No baseline to compare against.
		return nil
	}

	pctChange := math.Abs(newAmt-oldAmt) / math.Abs(oldAmt) * 100
	if pctChange <= d.settings.AmountChangePct {
		return nil
	}

	severity := model.SeverityMedium
	if pctChange > d.settings.AmountChangeHighPct {
		severity = model.SeverityHigh
	}
	return &model.Anomaly{
		Field:    model.FieldAmount,
		Type:     model.AlertAmountSpike,
		Severity: severity,
		Message:  fmt.Sprintf("amount changed %.1f%% (from %s to %s)", pctChange, oldValue, newValue),
		OldValue: oldValue,
		NewValue: newValue,
	}
}

func (d *AnomalyDetector) evaluateProbability(oldValue, newValue string) *model.Anomaly {
	oldProb, err := strconv.ParseFloat(strings.TrimSpace(oldValue), 64)
	if err != nil {
		return nil
	}
	newProb, err := strconv.ParseFloat(strings.TrimSpace(newValue), 64)
	if err != nil {
		return nil
	}

	drop := oldProb - newProb
	// Increases never alert.
	if drop <= d.settings.ProbabilityDropPts {
		return nil
	}

	severity := model.SeverityMedium
	if drop > d.settings.ProbabilityDropHighPts {
		severity = model.SeverityHigh
	}
	return &model.Anomaly{
		Field:    model.FieldProbability,
		Type:     model.AlertProbabilityDrop,
		Severity: severity,
		Message:  fmt.Sprintf("probability dropped %.0f points (from %s to %s)", drop, oldValue, newValue),
		OldValue: oldValue,
		NewValue: newValue,
	}
}

func (d *AnomalyDetector) evaluateStage(oldValue, newValue string) *model.Anomaly {
	if !d.settings.StageRegressionEnabled {
		return nil
	}

	oldRank := d.settings.StageRanks[strings.TrimSpace(oldValue)]
	newRank := d.settings.StageRanks[strings.TrimSpace(newValue)]
	// Unknown stage names rank 0 and are excluded.
	if oldRank == 0 || newRank == 0 {
		return nil
	}
	if newRank >= oldRank {
		return nil
	}

	severity := model.SeverityMedium
	if oldRank-newRank > 2 {
		severity = model.SeverityHigh
	}
	return &model.Anomaly{
		Field:    model.FieldStage,
		Type:     model.AlertStageRegression,
		Severity: severity,
		Message:  fmt.Sprintf("stage regressed from %q to %q", oldValue, newValue),
		OldValue: oldValue,
		NewValue: newValue,
	}
}

func (d *AnomalyDetector) evaluateClosingDate(oldValue, newValue string) *model.Anomaly {
	oldDate, err := parseBusinessDate(oldValue)
	if err != nil {
		return nil
	}
	newDate, err := parseBusinessDate(newValue)
	if err != nil {
		return nil
	}

	extensionDays := int(newDate.Sub(oldDate).Hours() / 24)
	// Only extensions matter; pulling a close date in is fine.
	if extensionDays <= d.settings.ClosingDateExtDays {
		return nil
	}

	severity := model.SeverityMedium
	if extensionDays > d.settings.ClosingDateExtHighDays {
		severity = model.SeverityHigh
	}
	return &model.Anomaly{
		Field:    model.FieldClosingDate,
		Type:     model.AlertClosingDateExtension,
		Severity: severity,
		Message:  fmt.Sprintf("closing date pushed out %d days (from %s to %s)", extensionDays, oldValue, newValue),
		OldValue: oldValue,
		NewValue: newValue,
	}
}

// parseBusinessDate accepts the date formats the CRM emits.
func parseBusinessDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %s", s)
}
