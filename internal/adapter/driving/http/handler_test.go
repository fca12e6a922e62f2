package httphandler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/crmmirror/crmmirror/internal/adapter/driving/http"
	"github.com/crmmirror/crmmirror/internal/application"
	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

var testTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// --- Mocks ---

type mockCredStore struct {
	active *model.CredentialRecord
}

func (m *mockCredStore) GetActive(_ context.Context) (*model.CredentialRecord, error) {
	if m.active == nil {
		return nil, driven.ErrNoActiveCredential
	}
	cp := *m.active
	return &cp, nil
}

func (m *mockCredStore) GetByID(_ context.Context, _ string) (*model.CredentialRecord, error) {
	return nil, nil
}

func (m *mockCredStore) CreateActive(_ context.Context, rec model.CredentialRecord) error {
	m.active = &rec
	return nil
}

func (m *mockCredStore) TouchLastUsed(_ context.Context, _ string, _ time.Time) error { return nil }
func (m *mockCredStore) RecordError(_ context.Context, _, _ string) error             { return nil }

type mockRefreshLog struct {
	attempts []model.RefreshAttempt
}

func (m *mockRefreshLog) Append(_ context.Context, a model.RefreshAttempt) (model.RefreshAttempt, error) {
	a.ID = int64(len(m.attempts) + 1)
	m.attempts = append(m.attempts, a)
	return a, nil
}

func (m *mockRefreshLog) ListByCredential(_ context.Context, credentialID string) ([]model.RefreshAttempt, error) {
	var out []model.RefreshAttempt
	for _, a := range m.attempts {
		if a.CredentialID == credentialID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRefreshLog) CountSuccessful(_ context.Context) (int, error) {
	n := 0
	for _, a := range m.attempts {
		if a.Success {
			n++
		}
	}
	return n, nil
}

type mockAlertStore struct {
	alerts []model.Alert
	err    error
}

func (m *mockAlertStore) Raise(_ context.Context, alert model.Alert) (model.Alert, bool, error) {
	m.alerts = append(m.alerts, alert)
	return alert, true, nil
}

func (m *mockAlertStore) GetByID(_ context.Context, id string) (*model.Alert, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			cp := m.alerts[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockAlertStore) ListUnresolved(_ context.Context) ([]model.Alert, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Alert
	for _, a := range m.alerts {
		if !a.IsResolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAlertStore) Acknowledge(_ context.Context, id, actor string, at time.Time) error {
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsAcknowledged = true
			m.alerts[i].AcknowledgedBy = actor
			m.alerts[i].AcknowledgedAt = at
		}
	}
	return nil
}

func (m *mockAlertStore) Resolve(_ context.Context, id, actor string, at time.Time) error {
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsResolved = true
			m.alerts[i].ResolvedBy = actor
			m.alerts[i].ResolvedAt = at
		}
	}
	return nil
}

func (m *mockAlertStore) ResolveAllForTarget(_ context.Context, _ model.TargetKind, _, _ string, _ time.Time) error {
	return nil
}

type mockSecretStore struct {
	secrets map[string]string
}

func (m *mockSecretStore) StoreSecret(_ context.Context, id, secret string) error {
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	m.secrets[id] = secret
	return nil
}

func (m *mockSecretStore) LoadSecret(_ context.Context, id string) (string, error) {
	return m.secrets[id], nil
}

func (m *mockSecretStore) DeleteSecret(_ context.Context, id string) error {
	delete(m.secrets, id)
	return nil
}

type mockSettingsStore struct{}

func (m *mockSettingsStore) Load(_ context.Context) (model.Settings, error) {
	return model.DefaultSettings(), nil
}
func (m *mockSettingsStore) Save(_ context.Context, _ model.Settings) error { return nil }

type mockCRMClient struct {
	batch      []model.RemoteRecord
	refreshErr error
}

func (m *mockCRMClient) FetchBatch(_ context.Context, _, _ string) ([]model.RemoteRecord, error) {
	return m.batch, nil
}

func (m *mockCRMClient) RefreshCredential(_ context.Context, _ string) (driven.RefreshResult, error) {
	if m.refreshErr != nil {
		return driven.RefreshResult{}, m.refreshErr
	}
	return driven.RefreshResult{AccessToken: "fresh-access", ExpiresInSeconds: 3600, StatusCode: 200}, nil
}

type mockRecordStore struct {
	active map[string]model.MirroredRecord
}

func (m *mockRecordStore) GetByID(_ context.Context, id string) (*model.MirroredRecord, error) {
	if rec, ok := m.active[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *mockRecordStore) GetByIDs(_ context.Context, ids []string) (map[string]model.MirroredRecord, error) {
	out := make(map[string]model.MirroredRecord)
	for _, id := range ids {
		if rec, ok := m.active[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (m *mockRecordStore) ActiveIDs(_ context.Context) ([]string, error) {
	var ids []string
	for id, rec := range m.active {
		if rec.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockRecordStore) ApplyChangeSet(_ context.Context, cs model.ChangeSet) error {
	if m.active == nil {
		m.active = make(map[string]model.MirroredRecord)
	}
	for _, rec := range cs.Creates {
		m.active[rec.ExternalID] = rec
	}
	for _, rec := range cs.Updates {
		m.active[rec.ExternalID] = rec
	}
	for _, id := range cs.Deactivations {
		rec := m.active[id]
		rec.IsActive = false
		m.active[id] = rec
	}
	return nil
}

func (m *mockRecordStore) History(_ context.Context, _ string) ([]model.FieldHistoryEntry, error) {
	return nil, nil
}

type mockSessionStore struct {
	running  map[string]bool
	finished []model.SyncSession
}

func (m *mockSessionStore) Begin(_ context.Context, session model.SyncSession) error {
	if m.running == nil {
		m.running = make(map[string]bool)
	}
	if m.running[session.Scope] {
		return driven.ErrSyncInProgress
	}
	m.running[session.Scope] = true
	return nil
}

func (m *mockSessionStore) Finish(_ context.Context, session model.SyncSession) error {
	m.running[session.Scope] = false
	m.finished = append(m.finished, session)
	return nil
}

func (m *mockSessionStore) GetRunning(_ context.Context, _ string) (*model.SyncSession, error) {
	return nil, nil
}

// --- Setup ---

type fixture struct {
	creds    *mockCredStore
	alerts   *mockAlertStore
	crm      *mockCRMClient
	records  *mockRecordStore
	sessions *mockSessionStore
	log      *mockRefreshLog
	mux      http.Handler
}

func setup() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		creds:    &mockCredStore{},
		alerts:   &mockAlertStore{},
		crm:      &mockCRMClient{},
		records:  &mockRecordStore{},
		sessions: &mockSessionStore{},
		log:      &mockRefreshLog{},
	}
	secrets := &mockSecretStore{secrets: map[string]string{
		"crm/refresh": "refresh-secret",
		"cred-1":      "access-secret",
	}}
	settings := &mockSettingsStore{}

	manager := application.NewTokenManager(
		f.creds, f.log, f.alerts, secrets, f.crm, settings, logger,
	)
	merger := application.NewMerger(
		f.records, f.alerts, application.NewAnomalyDetector(model.DefaultSettings()), logger,
	)
	syncSvc := application.NewSyncService(
		f.crm, f.records, f.sessions, manager, merger, logger,
	)

	h := httphandler.NewHandler(manager, syncSvc, f.alerts, f.log, logger)
	f.mux = httphandler.NewServeMux(h, logger)
	return f
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// --- Tests ---

func TestHealth(t *testing.T) {
	f := setup()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(0), resp["successful_refreshes"])
}

func TestTokenHistory_NoCredential(t *testing.T) {
	f := setup()
	req := httptest.NewRequest(http.MethodGet, "/api/token/history", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	decodeJSON(t, rec, &resp)
	assert.Empty(t, resp)
}

func TestTokenHistory_FailedRefresh(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}
	f.crm.refreshErr = &driven.RemoteError{Kind: driven.RemoteNetwork, Message: "connection reset"}

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	f.mux.ServeHTTP(httptest.NewRecorder(), req)

	// The failed attempt is attributed to the still-active credential, so it
	// shows up in its history.
	req = httptest.NewRequest(http.MethodGet, "/api/token/history", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, false, resp[0]["success"])
	assert.Equal(t, "manual", resp[0]["trigger_reason"])
	assert.Contains(t, resp[0]["error_message"], "connection reset")
	assert.NotEmpty(t, resp[0]["attempted_at"])
}

func TestHealth_CountsSuccessfulRefreshes(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	f.mux.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	var health map[string]any
	decodeJSON(t, rec, &health)
	assert.Equal(t, float64(1), health["successful_refreshes"])
}

func TestTokenStatus_NoCredential(t *testing.T) {
	f := setup()
	req := httptest.NewRequest(http.MethodGet, "/api/token/status", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, false, resp["has_credential"])
	assert.Equal(t, "expired", resp["health"])
}

func TestTokenStatus_Healthy(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:           "cred-1",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
		LastUsed:     testTime,
		RefreshCount: 4,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/token/status", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, true, resp["has_credential"])
	assert.Equal(t, "healthy", resp["health"])
	assert.Equal(t, float64(4), resp["refresh_count"])
	assert.NotEmpty(t, resp["expires_at"])
}

func TestRefreshToken(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, true, resp["refreshed"])
	assert.Equal(t, "token refreshed", resp["message"])
}

func TestRefreshToken_Failure(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}
	f.crm.refreshErr = &driven.RemoteError{Kind: driven.RemoteAuthFailed, StatusCode: 401, Message: "invalid_grant"}

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	// A failed manual refresh is still a handled outcome, not a 500.
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, false, resp["refreshed"])
	assert.Contains(t, resp["message"], "auth_failed")
}

func TestListAlerts(t *testing.T) {
	f := setup()
	f.alerts.alerts = []model.Alert{
		{ID: "a-1", Type: model.AlertNoToken, Severity: model.SeverityCritical, TargetKind: model.TargetGlobal, CreatedAt: testTime},
		{ID: "a-2", Type: model.AlertStaleToken, Severity: model.SeverityLow, TargetKind: model.TargetCredential, TargetID: "cred-1", CreatedAt: testTime, IsResolved: true},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/alerts?unresolved=1", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "a-1", resp[0]["id"])
	assert.Equal(t, "no_token", resp[0]["type"])
}

func TestAcknowledgeAlert(t *testing.T) {
	f := setup()
	f.alerts.alerts = []model.Alert{
		{ID: "a-1", Type: model.AlertRefreshFailed, Severity: model.SeverityHigh, TargetKind: model.TargetCredential, TargetID: "cred-1", CreatedAt: testTime},
	}

	body := strings.NewReader(`{"actor":"alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/alerts/a-1/acknowledge", body)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, true, resp["is_acknowledged"])
	assert.Equal(t, "alice", resp["acknowledged_by"])
	assert.Equal(t, false, resp["is_resolved"])
}

func TestResolveAlert_DefaultActor(t *testing.T) {
	f := setup()
	f.alerts.alerts = []model.Alert{
		{ID: "a-1", Type: model.AlertRefreshFailed, Severity: model.SeverityHigh, TargetKind: model.TargetCredential, TargetID: "cred-1", CreatedAt: testTime},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/a-1/resolve", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.Equal(t, true, resp["is_resolved"])
	assert.Equal(t, "operator", resp["resolved_by"])
}

func TestAlertNotFound(t *testing.T) {
	f := setup()

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/missing/resolve", nil)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunSync(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}
	f.crm.batch = []model.RemoteRecord{
		{ExternalID: "deal-1", Attributes: map[string]string{"amount": "100"}},
	}

	body := strings.NewReader(`{"scope":"deals","criteria":"all"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", body)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	assert.NotEmpty(t, resp["session_id"])
	assert.Equal(t, float64(1), resp["added"])

	cls, ok := resp["classification"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "new_dataset", cls["type"])
}

func TestRunSync_MissingScope(t *testing.T) {
	f := setup()

	body := strings.NewReader(`{"criteria":"all"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", body)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunSync_AmbiguousConflict(t *testing.T) {
	f := setup()
	f.creds.active = &model.CredentialRecord{
		ID:        "cred-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}
	f.records.active = map[string]model.MirroredRecord{
		"deal-1": {ExternalID: "deal-1", IsActive: true, CurrentData: map[string]string{}},
		"deal-2": {ExternalID: "deal-2", IsActive: true, CurrentData: map[string]string{}},
	}
	f.crm.batch = []model.RemoteRecord{
		{ExternalID: "deal-1", Attributes: map[string]string{}},
		{ExternalID: "deal-9", Attributes: map[string]string{}},
	}

	body := strings.NewReader(`{"scope":"deals"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", body)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	decodeJSON(t, rec, &resp)
	cls, ok := resp["classification"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user_decision_required", cls["type"])

	// Forcing the same batch applies it.
	body = strings.NewReader(`{"scope":"deals","force":true}`)
	req = httptest.NewRequest(http.MethodPost, "/api/sync", body)
	rec = httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunSync_AlreadyRunning(t *testing.T) {
	f := setup()
	f.sessions.running = map[string]bool{"deals": true}

	body := strings.NewReader(`{"scope":"deals"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", body)
	rec := httptest.NewRecorder()

	f.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
