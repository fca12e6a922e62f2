// Package application contains the synchronization and token-lifecycle
// use cases.
package application

import "github.com/crmmirror/crmmirror/internal/domain/model"

// Classification band boundaries, in percent overlap. The bands are closed
// at the edges: exactly 70 is incremental, exactly 30 is a new dataset, and
// only the open interval between them requires a caller decision.
const (
	incrementalOverlapPct = 70
	newDatasetOverlapPct  = 30
)

// Classify decides whether an incoming batch is a fresh dataset or a delta
// against the active mirror. It is a pure function of the two identifier
// sets; ambiguous overlap is reported as a first-class verdict, never
// defaulted.
func Classify(incoming, existing []string) model.Classification {
	incomingSet := make(map[string]struct{}, len(incoming))
	for _, id := range incoming {
		incomingSet[id] = struct{}{}
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	cls := model.Classification{
		TotalNew:      len(incomingSet),
		TotalExisting: len(existingSet),
	}

	for id := range incomingSet {
		if _, ok := existingSet[id]; ok {
			cls.OverlapCount++
		}
	}
	cls.AddedCount = cls.TotalNew - cls.OverlapCount
	cls.MissingCount = cls.TotalExisting - cls.OverlapCount

	if cls.TotalNew == 0 {
		cls.Type = model.ImportNewDataset
		cls.Reason = "empty batch"
		return cls
	}
	if cls.TotalExisting == 0 {
		cls.Type = model.ImportNewDataset
		cls.Reason = "no existing records"
		return cls
	}

	cls.OverlapPct = float64(cls.OverlapCount) / float64(cls.TotalNew) * 100

	switch {
	case cls.OverlapPct >= incrementalOverlapPct:
		cls.Type = model.ImportIncrementalUpdate
		cls.Reason = "batch overlaps the active mirror"
	case cls.OverlapPct <= newDatasetOverlapPct:
		cls.Type = model.ImportNewDataset
		cls.Reason = "batch shares little with the active mirror"
	default:
		cls.Type = model.ImportUserDecisionRequired
		cls.Reason = "overlap is ambiguous"
	}
	return cls
}
