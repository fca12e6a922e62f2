package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crmmirror/crmmirror/internal/application"
	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status              string `json:"status"`
	Time                string `json:"time"`
	SuccessfulRefreshes int    `json:"successful_refreshes"`
}

// TokenStatusResponse is the JSON representation of the active credential's
// health. Expiry fields are omitted when no credential is configured.
type TokenStatusResponse struct {
	HasCredential      bool   `json:"has_credential"`
	Health             string `json:"health"`
	ExpiresAt          string `json:"expires_at,omitempty"`
	SecondsUntilExpiry int64  `json:"seconds_until_expiry,omitempty"`
	LastUsed           string `json:"last_used,omitempty"`
	RefreshCount       int    `json:"refresh_count"`
	ErrorCount         int    `json:"error_count"`
	LastError          string `json:"last_error,omitempty"`
}

// RefreshAttemptResponse is the JSON representation of one refresh log row.
type RefreshAttemptResponse struct {
	ID             int64  `json:"id"`
	CredentialID   string `json:"credential_id"`
	AttemptedAt    string `json:"attempted_at"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message,omitempty"`
	ResponseCode   int    `json:"response_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	RetryCount     int    `json:"retry_count"`
	TriggerReason  string `json:"trigger_reason"`
}

// RefreshOutcomeResponse is the JSON result of a manual token refresh.
type RefreshOutcomeResponse struct {
	Refreshed  bool   `json:"refreshed"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
}

// AlertResponse is the JSON representation of one operator alert.
type AlertResponse struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	TargetKind     string `json:"target_kind"`
	TargetID       string `json:"target_id,omitempty"`
	IsAcknowledged bool   `json:"is_acknowledged"`
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	IsResolved     bool   `json:"is_resolved"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// AlertActionRequest is the optional JSON body for acknowledge and resolve.
type AlertActionRequest struct {
	Actor string `json:"actor"`
}

// SyncRequest is the JSON body for the sync endpoint.
type SyncRequest struct {
	Scope    string `json:"scope"`
	Criteria string `json:"criteria"`
	Force    bool   `json:"force"`
}

// ClassificationResponse is the JSON representation of a batch verdict.
type ClassificationResponse struct {
	Type          string  `json:"type"`
	Reason        string  `json:"reason"`
	OverlapPct    float64 `json:"overlap_pct"`
	TotalNew      int     `json:"total_new"`
	TotalExisting int     `json:"total_existing"`
	OverlapCount  int     `json:"overlap_count"`
	AddedCount    int     `json:"added_count"`
	MissingCount  int     `json:"missing_count"`
}

// SyncResultResponse is the JSON result of a completed sync run.
type SyncResultResponse struct {
	SessionID        string                 `json:"session_id"`
	Classification   ClassificationResponse `json:"classification"`
	Added            int                    `json:"added"`
	Updated          int                    `json:"updated"`
	Removed          int                    `json:"removed"`
	Anomalies        int                    `json:"anomalies"`
	UnparsableFields int                    `json:"unparsable_fields"`
}

// SyncConflictResponse is returned when the batch falls into the ambiguous
// overlap band and the request did not force a decision.
type SyncConflictResponse struct {
	Error          string                 `json:"error"`
	Classification ClassificationResponse `json:"classification"`
}

func toTokenStatusResponse(status application.TokenStatus) TokenStatusResponse {
	resp := TokenStatusResponse{
		HasCredential: status.HasCredential,
		Health:        string(status.Health),
		RefreshCount:  status.RefreshCount,
		ErrorCount:    status.ErrorCount,
		LastError:     status.LastError,
	}
	if status.HasCredential {
		resp.ExpiresAt = status.ExpiresAt.UTC().Format(time.RFC3339)
		resp.SecondsUntilExpiry = int64(status.TimeUntilExpiry.Seconds())
		if !status.LastUsed.IsZero() {
			resp.LastUsed = status.LastUsed.UTC().Format(time.RFC3339)
		}
	}
	return resp
}

func toRefreshAttemptResponse(attempt model.RefreshAttempt) RefreshAttemptResponse {
	return RefreshAttemptResponse{
		ID:             attempt.ID,
		CredentialID:   attempt.CredentialID,
		AttemptedAt:    attempt.AttemptedAt.UTC().Format(time.RFC3339),
		Success:        attempt.Success,
		ErrorMessage:   attempt.ErrorMessage,
		ResponseCode:   attempt.ResponseCode,
		ResponseTimeMS: attempt.ResponseTimeMS,
		RetryCount:     attempt.RetryCount,
		TriggerReason:  string(attempt.TriggerReason),
	}
}

func toAlertResponse(alert model.Alert) AlertResponse {
	return AlertResponse{
		ID:             alert.ID,
		Type:           string(alert.Type),
		Severity:       string(alert.Severity),
		Message:        alert.Message,
		TargetKind:     string(alert.TargetKind),
		TargetID:       alert.TargetID,
		IsAcknowledged: alert.IsAcknowledged,
		AcknowledgedBy: alert.AcknowledgedBy,
		IsResolved:     alert.IsResolved,
		ResolvedBy:     alert.ResolvedBy,
		CreatedAt:      alert.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toClassificationResponse(cls model.Classification) ClassificationResponse {
	return ClassificationResponse{
		Type:          string(cls.Type),
		Reason:        cls.Reason,
		OverlapPct:    cls.OverlapPct,
		TotalNew:      cls.TotalNew,
		TotalExisting: cls.TotalExisting,
		OverlapCount:  cls.OverlapCount,
		AddedCount:    cls.AddedCount,
		MissingCount:  cls.MissingCount,
	}
}

func toSyncResultResponse(result application.SyncResult) SyncResultResponse {
	return SyncResultResponse{
		SessionID:        result.SessionID,
		Classification:   toClassificationResponse(result.Classification),
		Added:            result.Summary.Added,
		Updated:          result.Summary.Updated,
		Removed:          result.Summary.Removed,
		Anomalies:        len(result.Summary.Anomalies),
		UnparsableFields: result.Summary.UnparsableFields,
	}
}
