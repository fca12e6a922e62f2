package model

// ImportType is the classifier's verdict on an incoming batch.
type ImportType string

const (
	// ImportNewDataset means the batch shares little or nothing with the
	// active mirror and should be treated as a fresh load.
	ImportNewDataset ImportType = "new_dataset"
	// ImportIncrementalUpdate means the batch is a delta against records
	// already mirrored.
	ImportIncrementalUpdate ImportType = "incremental_update"
	// ImportUserDecisionRequired is the deliberate abstention for the
	// ambiguous overlap band; the caller must choose explicitly.
	ImportUserDecisionRequired ImportType = "user_decision_required"
)

// Classification is the full classifier result: the verdict plus the
// supporting overlap statistics.
type Classification struct {
	Type          ImportType
	Reason        string
	OverlapPct    float64
	TotalNew      int
	TotalExisting int
	OverlapCount  int
	AddedCount    int // in the batch, not yet mirrored
	MissingCount  int // mirrored active, absent from the batch
}
