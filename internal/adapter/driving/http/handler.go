// Package httphandler is the HTTP driving adapter that serves the
// operator-facing REST API.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crmmirror/crmmirror/internal/application"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Handler serves the REST API.
type Handler struct {
	manager    *application.TokenManager
	syncSvc    *application.SyncService
	alertStore driven.AlertStore
	refreshLog driven.RefreshLogStore
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	manager *application.TokenManager,
	syncSvc *application.SyncService,
	alertStore driven.AlertStore,
	refreshLog driven.RefreshLogStore,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		manager:    manager,
		syncSvc:    syncSvc,
		alertStore: alertStore,
		refreshLog: refreshLog,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/token/status", h.TokenStatus)
	mux.HandleFunc("GET /api/token/history", h.TokenHistory)
	mux.HandleFunc("POST /api/token/refresh", h.RefreshToken)
	mux.HandleFunc("GET /api/alerts", h.ListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.AcknowledgeAlert)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.ResolveAlert)
	mux.HandleFunc("POST /api/sync", h.RunSync)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports service liveness plus a lifetime refresh counter.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	refreshes, err := h.refreshLog.CountSuccessful(r.Context())
	if err != nil {
		h.logger.Error("failed to count refreshes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:              "ok",
		Time:                time.Now().UTC().Format(time.RFC3339),
		SuccessfulRefreshes: refreshes,
	})
}

// TokenStatus returns the health of the active credential.
func (h *Handler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to load token status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(status))
}

// TokenHistory returns the refresh attempt log of the active credential,
// oldest first. An empty list is returned when no credential is configured.
func (h *Handler) TokenHistory(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to load token status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := []RefreshAttemptResponse{}
	if status.HasCredential {
		attempts, err := h.refreshLog.ListByCredential(r.Context(), status.CredentialID)
		if err != nil {
			h.logger.Error("failed to list refresh attempts", "credential_id", status.CredentialID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		for _, attempt := range attempts {
			resp = append(resp, toRefreshAttemptResponse(attempt))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// RefreshToken performs an operator-initiated refresh and reports the
// outcome either way with a 200; the body says whether it worked.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	outcome := h.manager.RefreshNow(r.Context())

	writeJSON(w, http.StatusOK, RefreshOutcomeResponse{
		Refreshed:  outcome.Refreshed,
		Message:    outcome.Message,
		DurationMS: outcome.Duration.Milliseconds(),
	})
}

// ListAlerts returns alerts. Only unresolved listing is supported; the
// unresolved=1 query parameter is accepted for explicitness.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alertStore.ListUnresolved(r.Context())
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AlertResponse, 0, len(alerts))
	for _, alert := range alerts {
		resp = append(resp, toAlertResponse(alert))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.updateAlert(w, r, h.alertStore.Acknowledge)
}

// ResolveAlert marks an alert as resolved by an operator.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.updateAlert(w, r, h.alertStore.Resolve)
}

// updateAlert handles the shared shape of acknowledge and resolve: look up
// the alert, apply the transition, return the updated row.
func (h *Handler) updateAlert(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, actor string, at time.Time) error) {
	id := r.PathValue("id")

	var req AlertActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "operator"
	}

	alert, err := h.alertStore.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	if err := apply(r.Context(), id, actor, time.Now().UTC()); err != nil {
		h.logger.Error("failed to update alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := h.alertStore.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		h.logger.Error("failed to reload alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toAlertResponse(*updated))
}

// RunSync triggers a batch import for a scope. A force flag accepts the
// ambiguous classification band.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}

	run := h.syncSvc.Run
	if req.Force {
		run = h.syncSvc.RunForced
	}

	result, err := run(r.Context(), scope, req.Criteria)
	if err != nil {
		var ambiguous *application.AmbiguousClassificationError
		switch {
		case errors.As(err, &ambiguous):
			// Not a fault: the caller must decide. 409 with the full
			// classification so the decision is informed.
			writeJSON(w, http.StatusConflict, SyncConflictResponse{
				Error:          ambiguous.Error(),
				Classification: toClassificationResponse(ambiguous.Classification),
			})
		case errors.Is(err, driven.ErrSyncInProgress):
			writeError(w, http.StatusConflict, "a sync is already running for this scope")
		default:
			h.logger.Error("sync failed", "scope", scope, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toSyncResultResponse(result))
}
