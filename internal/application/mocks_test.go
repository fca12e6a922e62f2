package application_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- In-memory mock stores shared across application tests ---

type mockCredentialStore struct {
	mu      sync.Mutex
	records map[string]*model.CredentialRecord
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{records: make(map[string]*model.CredentialRecord)}
}

func (m *mockCredentialStore) GetActive(_ context.Context) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.IsActive {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, driven.ErrNoActiveCredential
}

func (m *mockCredentialStore) GetByID(_ context.Context, id string) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *mockCredentialStore) CreateActive(_ context.Context, rec model.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		existing.IsActive = false
	}
	rec.IsActive = true
	m.records[rec.ID] = &rec
	return nil
}

func (m *mockCredentialStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.LastUsed = at
	}
	return nil
}

func (m *mockCredentialStore) RecordError(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.ErrorCount++
		rec.LastError = message
		rec.LastErrorAt = time.Now()
	}
	return nil
}

type mockRefreshLog struct {
	mu       sync.Mutex
	attempts []model.RefreshAttempt
}

func (m *mockRefreshLog) Append(_ context.Context, attempt model.RefreshAttempt) (model.RefreshAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt.ID = int64(len(m.attempts) + 1)
	m.attempts = append(m.attempts, attempt)
	return attempt, nil
}

func (m *mockRefreshLog) ListByCredential(_ context.Context, credentialID string) ([]model.RefreshAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RefreshAttempt
	for _, a := range m.attempts {
		if a.CredentialID == credentialID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRefreshLog) CountSuccessful(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Success {
			n++
		}
	}
	return n, nil
}

func (m *mockRefreshLog) all() []model.RefreshAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RefreshAttempt(nil), m.attempts...)
}

type mockAlertStore struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (m *mockAlertStore) Raise(_ context.Context, alert model.Alert) (model.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if !a.IsResolved && a.TargetKind == alert.TargetKind && a.TargetID == alert.TargetID && a.Type == alert.Type {
			return a, false, nil
		}
	}
	alert.ID = uuid.New().String()
	alert.CreatedAt = time.Now()
	m.alerts = append(m.alerts, alert)
	return alert, true, nil
}

func (m *mockAlertStore) GetByID(_ context.Context, id string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			cp := m.alerts[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockAlertStore) ListUnresolved(_ context.Context) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if !a.IsResolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAlertStore) Acknowledge(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].IsResolved = true
			m.alerts[i].ResolvedBy = actor
			m.alerts[i].ResolvedAt = at
		}
	}
	return nil
}

func (m *mockAlertStore) ResolveAllForTarget(_ context.Context, kind model.TargetKind, targetID, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if !m.alerts[i].IsResolved && m.alerts[i].TargetKind == kind && m.alerts[i].TargetID == targetID {
			m.alerts[i].IsResolved = true
			m.alerts[i].ResolvedBy = actor
			m.alerts[i].ResolvedAt = at
		}
	}
	return nil
}

func (m *mockAlertStore) unresolvedOfType(typ model.AlertType) []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if !a.IsResolved && a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type mockSecretStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{secrets: make(map[string]string)}
}

func (m *mockSecretStore) StoreSecret(_ context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[id] = secret
	return nil
}

func (m *mockSecretStore) LoadSecret(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[id], nil
}

func (m *mockSecretStore) DeleteSecret(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, id)
	return nil
}

type mockSettingsStore struct {
	settings model.Settings
}

func (m *mockSettingsStore) Load(_ context.Context) (model.Settings, error) {
	return m.settings, nil
}

func (m *mockSettingsStore) Save(_ context.Context, settings model.Settings) error {
	m.settings = settings
	return nil
}

// mockCRMClient counts refreshes so convergence tests can assert exactly
// one network call happened.
type mockCRMClient struct {
	mu            sync.Mutex
	refreshCalls  int
	refreshResult driven.RefreshResult
	refreshErr    error
	batch         []model.RemoteRecord
	fetchErr      error
	fetchCalls    int
}

func (m *mockCRMClient) FetchBatch(_ context.Context, _ string, _ string) ([]model.RemoteRecord, error) {
	m.mu.Lock()
	m.fetchCalls++
	m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.batch, nil
}

func (m *mockCRMClient) RefreshCredential(_ context.Context, _ string) (driven.RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if m.refreshErr != nil {
		return driven.RefreshResult{}, m.refreshErr
	}
	return m.refreshResult, nil
}

func (m *mockCRMClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

func (m *mockCRMClient) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// mockRecordStore keeps the mirror and history in maps, enough for merger
// and sync-service tests.
type mockRecordStore struct {
	mu      sync.Mutex
	records map[string]model.MirroredRecord
	history []model.FieldHistoryEntry
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{records: make(map[string]model.MirroredRecord)}
}

func (m *mockRecordStore) GetByID(_ context.Context, externalID string) (*model.MirroredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[externalID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockRecordStore) GetByIDs(_ context.Context, externalIDs []string) (map[string]model.MirroredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.MirroredRecord)
	for _, id := range externalIDs {
		if rec, ok := m.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (m *mockRecordStore) ActiveIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.records {
		if rec.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockRecordStore) ApplyChangeSet(_ context.Context, cs model.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range cs.Creates {
		m.records[rec.ExternalID] = rec
	}
	for _, rec := range cs.Updates {
		stored := m.records[rec.ExternalID]
		stored.CurrentData = rec.CurrentData
		stored.IsActive = true
		stored.LastSeenDate = rec.LastSeenDate
		m.records[rec.ExternalID] = stored
	}
	for _, id := range cs.Deactivations {
		stored := m.records[id]
		stored.IsActive = false
		stored.LastSeenDate = cs.AsOfDate
		m.records[id] = stored
	}
	for _, h := range cs.History {
		if h.RecordedAt.IsZero() {
			h.RecordedAt = time.Now()
		}
		h.ID = int64(len(m.history) + 1)
		m.history = append(m.history, h)
	}
	return nil
}

func (m *mockRecordStore) History(_ context.Context, externalID string) ([]model.FieldHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FieldHistoryEntry
	for _, h := range m.history {
		if h.ExternalID == externalID {
			out = append(out, h)
		}
	}
	return out, nil
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]model.SyncSession // by id
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]model.SyncSession)}
}

func (m *mockSessionStore) Begin(_ context.Context, session model.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Scope == session.Scope && s.Status == model.SyncRunning {
			return driven.ErrSyncInProgress
		}
	}
	session.Status = model.SyncRunning
	m.sessions[session.ID] = session
	return nil
}

func (m *mockSessionStore) Finish(_ context.Context, session model.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *mockSessionStore) GetRunning(_ context.Context, scope string) (*model.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Scope == scope && s.Status == model.SyncRunning {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

// Compile-time checks that the mocks satisfy the ports.
var (
	_ driven.CredentialStore  = (*mockCredentialStore)(nil)
	_ driven.RefreshLogStore  = (*mockRefreshLog)(nil)
	_ driven.AlertStore       = (*mockAlertStore)(nil)
	_ driven.SecretStore      = (*mockSecretStore)(nil)
	_ driven.SettingsStore    = (*mockSettingsStore)(nil)
	_ driven.CRMClient        = (*mockCRMClient)(nil)
	_ driven.RecordStore      = (*mockRecordStore)(nil)
	_ driven.SyncSessionStore = (*mockSessionStore)(nil)
)
