package model

// TrackedField enumerates the fixed set of record attributes whose changes
// are recorded in field history and screened for anomalies. All other
// attributes are stored verbatim in CurrentData without history.
type TrackedField string

const (
	FieldAmount       TrackedField = "amount"
	FieldStage        TrackedField = "stage"
	FieldProbability  TrackedField = "probability"
	FieldClosingDate  TrackedField = "closing_date"
	FieldOwner        TrackedField = "owner"
	FieldModifiedTime TrackedField = "modified_time"
)

// TrackedFields lists every tracked field in a stable order.
func TrackedFields() []TrackedField {
	return []TrackedField{
		FieldAmount,
		FieldStage,
		FieldProbability,
		FieldClosingDate,
		FieldOwner,
		FieldModifiedTime,
	}
}
