package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// refreshSecretID is the secret-store id of the current refresh secret for
// the one credential lineage this manager owns.
const refreshSecretID = "crm/refresh"

// RefreshOutcome reports a manual refresh-now action: the caller sees the
// underlying failure message and timing, unlike background refreshes which
// surface only as alerts.
type RefreshOutcome struct {
	Refreshed bool
	Message   string
	Duration  time.Duration
}

// TokenManager owns the credential lineage: it decides when a refresh is
// needed and guarantees at most one in-flight refresh. All callers needing
// an outbound credential go through GetValidToken; the monitor's proactive
// refresh uses the same path, never a separate one.
type TokenManager struct {
	creds    driven.CredentialStore
	log      driven.RefreshLogStore
	alerts   driven.AlertStore
	secrets  driven.SecretStore
	crm      driven.CRMClient
	settings driven.SettingsStore
	logger   *slog.Logger
	now      func() time.Time

	// mu guards the refresh path and the cached raw secret. The active
	// credential pointer has a single-writer invariant: only this manager,
	// under mu, activates records.
	mu          sync.Mutex
	cachedToken string
	cachedID    string
}

// NewTokenManager creates a TokenManager with all required dependencies.
func NewTokenManager(
	creds driven.CredentialStore,
	log driven.RefreshLogStore,
	alerts driven.AlertStore,
	secrets driven.SecretStore,
	crm driven.CRMClient,
	settings driven.SettingsStore,
	logger *slog.Logger,
) *TokenManager {
	return &TokenManager{
		creds:    creds,
		log:      log,
		alerts:   alerts,
		secrets:  secrets,
		crm:      crm,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// GetValidToken returns a raw access secret that is safe to use right now,
// refreshing first when forced, missing, expired, or near expiry. Refresh
// failures are returned to the caller without retrying; retry policy
// belongs to the caller or the monitor.
func (m *TokenManager) GetValidToken(ctx context.Context, force bool) (string, error) {
	if !force {
		active, err := m.creds.GetActive(ctx)
		if err != nil && !errors.Is(err, driven.ErrNoActiveCredential) {
			return "", fmt.Errorf("load active credential: %w", err)
		}
		if err == nil && !m.refreshNeeded(active) {
			return m.useActive(ctx, active)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the mutex: a concurrent caller may have refreshed
	// while this one was blocked, in which case its token is reused and no
	// second network refresh happens.
	active, err := m.creds.GetActive(ctx)
	if err != nil && !errors.Is(err, driven.ErrNoActiveCredential) {
		return "", fmt.Errorf("load active credential: %w", err)
	}
	if err == nil && !force && !m.refreshNeeded(active) {
		return m.useActiveLocked(ctx, active)
	}

	return m.refreshLocked(ctx, active, force)
}

// RefreshNow performs a caller-initiated refresh and reports message and
// timing for the operator surface.
func (m *TokenManager) RefreshNow(ctx context.Context) RefreshOutcome {
	start := m.now()
	_, err := m.GetValidToken(ctx, true)
	outcome := RefreshOutcome{
		Refreshed: err == nil,
		Duration:  m.now().Sub(start),
	}
	if err != nil {
		outcome.Message = err.Error()
	} else {
		outcome.Message = "token refreshed"
	}
	return outcome
}

// TokenStatus is the operator-facing view of the active credential.
type TokenStatus struct {
	HasCredential   bool
	CredentialID    string
	Health          model.HealthStatus
	ExpiresAt       time.Time
	TimeUntilExpiry time.Duration
	LastUsed        time.Time
	RefreshCount    int
	ErrorCount      int
	LastError       string
}

// Status reports the health of the active credential without touching it.
func (m *TokenManager) Status(ctx context.Context) (TokenStatus, error) {
	active, err := m.creds.GetActive(ctx)
	if errors.Is(err, driven.ErrNoActiveCredential) {
		return TokenStatus{HasCredential: false, Health: model.HealthExpired}, nil
	}
	if err != nil {
		return TokenStatus{}, fmt.Errorf("load active credential: %w", err)
	}

	settings, err := m.settings.Load(ctx)
	if err != nil {
		return TokenStatus{}, fmt.Errorf("load settings: %w", err)
	}

	now := m.now()
	return TokenStatus{
		HasCredential:   true,
		CredentialID:    active.ID,
		Health:          active.Health(now, settings.ErrorThreshold),
		ExpiresAt:       active.ExpiresAt,
		TimeUntilExpiry: active.TimeUntilExpiry(now),
		LastUsed:        active.LastUsed,
		RefreshCount:    active.RefreshCount,
		ErrorCount:      active.ErrorCount,
		LastError:       active.LastError,
	}, nil
}

// Bootstrap seeds the lineage with externally obtained credential material
// (first-time setup or operator-supplied tokens). It stores the raw secrets
// in the side channel and activates a credential record holding only their
// hashes.
func (m *TokenManager) Bootstrap(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration, source model.CredentialSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := model.CredentialRecord{
		ID:               uuid.New().String(),
		AccessTokenHash:  hashSecret(accessToken),
		RefreshTokenHash: hashSecret(refreshToken),
		IssuedAt:         now,
		ExpiresAt:        now.Add(expiresIn),
		LastUsed:         now,
		Source:           source,
	}

	if err := m.secrets.StoreSecret(ctx, refreshSecretID, refreshToken); err != nil {
		return fmt.Errorf("store refresh secret: %w", err)
	}
	if err := m.secrets.StoreSecret(ctx, rec.ID, accessToken); err != nil {
		return fmt.Errorf("store access secret: %w", err)
	}
	if err := m.creds.CreateActive(ctx, rec); err != nil {
		return fmt.Errorf("create credential record: %w", err)
	}

	m.cachedToken = accessToken
	m.cachedID = rec.ID
	m.logger.Info("credential bootstrapped", "credential_id", rec.ID, "expires_at", rec.ExpiresAt)
	return nil
}

// refreshNeeded applies the refresh policy to a non-nil active record.
func (m *TokenManager) refreshNeeded(active *model.CredentialRecord) bool {
	now := m.now()
	return active.IsExpired(now) || active.IsNearExpiry(now)
}

// useActive is the fast path: bump last_used and return the cached raw
// secret, loading it from the side channel on a cold cache.
func (m *TokenManager) useActive(ctx context.Context, active *model.CredentialRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useActiveLocked(ctx, active)
}

// useActiveLocked is useActive for callers already holding mu.
func (m *TokenManager) useActiveLocked(ctx context.Context, active *model.CredentialRecord) (string, error) {
	if err := m.creds.TouchLastUsed(ctx, active.ID, m.now()); err != nil {
		m.logger.Error("touch last_used failed", "credential_id", active.ID, "error", err)
	}

	if m.cachedID == active.ID && m.cachedToken != "" {
		return m.cachedToken, nil
	}

	token, err := m.secrets.LoadSecret(ctx, active.ID)
	if err != nil {
		return "", fmt.Errorf("load access secret: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("access secret missing for credential %s", active.ID)
	}
	m.cachedToken = token
	m.cachedID = active.ID
	return token, nil
}

// refreshLocked performs the network refresh. Callers must hold mu.
func (m *TokenManager) refreshLocked(ctx context.Context, active *model.CredentialRecord, force bool) (string, error) {
	reason := m.triggerReason(active, force)

	refreshSecret, err := m.secrets.LoadSecret(ctx, refreshSecretID)
	if err != nil {
		return "", fmt.Errorf("load refresh secret: %w", err)
	}
	if refreshSecret == "" {
		return "", driven.ErrNoActiveCredential
	}

	start := m.now()
	result, refreshErr := m.crm.RefreshCredential(ctx, refreshSecret)
	elapsed := m.now().Sub(start)

	if refreshErr != nil {
		m.recordFailure(ctx, active, reason, refreshErr, elapsed)
		return "", fmt.Errorf("credential refresh failed: %w", refreshErr)
	}

	return m.recordSuccess(ctx, active, reason, result, elapsed)
}

// triggerReason derives the audit reason for this refresh from the state
// that made it necessary.
func (m *TokenManager) triggerReason(active *model.CredentialRecord, force bool) model.TriggerReason {
	switch {
	case active == nil:
		return model.TriggerManual
	case active.IsExpired(m.now()):
		return model.TriggerExpired
	case active.IsNearExpiry(m.now()):
		return model.TriggerNearExpiry
	case force && active.ErrorCount > 0:
		return model.TriggerErrorRecovery
	default:
		return model.TriggerManual
	}
}

func (m *TokenManager) recordFailure(ctx context.Context, active *model.CredentialRecord, reason model.TriggerReason, refreshErr error, elapsed time.Duration) {
	attempt := model.RefreshAttempt{
		AttemptedAt:    m.now(),
		Success:        false,
		ErrorMessage:   refreshErr.Error(),
		ResponseTimeMS: elapsed.Milliseconds(),
		TriggerReason:  reason,
	}
	targetKind, targetID := model.TargetGlobal, ""
	if active != nil {
		attempt.CredentialID = active.ID
		targetKind, targetID = model.TargetCredential, active.ID
	}

	var remoteErr *driven.RemoteError
	severity := model.SeverityHigh
	if errors.As(refreshErr, &remoteErr) {
		attempt.ResponseCode = remoteErr.StatusCode
		// A rejected refresh secret cannot recover on its own.
		if remoteErr.Kind == driven.RemoteAuthFailed {
			severity = model.SeverityCritical
		}
	}

	if _, err := m.log.Append(ctx, attempt); err != nil {
		m.logger.Error("append refresh log failed", "error", err)
	}
	if active != nil {
		if err := m.creds.RecordError(ctx, active.ID, refreshErr.Error()); err != nil {
			m.logger.Error("record credential error failed", "credential_id", active.ID, "error", err)
		}
	}
	if _, _, err := m.alerts.Raise(ctx, model.Alert{
		Type:       model.AlertRefreshFailed,
		Severity:   severity,
		Message:    fmt.Sprintf("credential refresh failed: %v", refreshErr),
		TargetKind: targetKind,
		TargetID:   targetID,
	}); err != nil {
		m.logger.Error("raise refresh_failed alert failed", "error", err)
	}

	m.logger.Error("credential refresh failed",
		"trigger", reason, "duration", elapsed.Round(time.Millisecond), "error", refreshErr)
}

func (m *TokenManager) recordSuccess(ctx context.Context, active *model.CredentialRecord, reason model.TriggerReason, result driven.RefreshResult, elapsed time.Duration) (string, error) {
	now := m.now()

	attempt := model.RefreshAttempt{
		AttemptedAt:    now,
		Success:        true,
		ResponseCode:   result.StatusCode,
		ResponseTimeMS: elapsed.Milliseconds(),
		TriggerReason:  reason,
	}
	if active != nil {
		attempt.CredentialID = active.ID
	}
	if _, err := m.log.Append(ctx, attempt); err != nil {
		m.logger.Error("append refresh log failed", "error", err)
	}

	newRefreshSecret := result.RefreshToken
	if newRefreshSecret == "" {
		// Remote did not rotate the refresh secret; the stored one stays
		// valid, so hash it for the new record too.
		loaded, err := m.secrets.LoadSecret(ctx, refreshSecretID)
		if err != nil {
			return "", fmt.Errorf("load refresh secret: %w", err)
		}
		newRefreshSecret = loaded
	} else {
		if err := m.secrets.StoreSecret(ctx, refreshSecretID, newRefreshSecret); err != nil {
			return "", fmt.Errorf("store rotated refresh secret: %w", err)
		}
	}

	rec := model.CredentialRecord{
		ID:               uuid.New().String(),
		AccessTokenHash:  hashSecret(result.AccessToken),
		RefreshTokenHash: hashSecret(newRefreshSecret),
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Duration(result.ExpiresInSeconds) * time.Second),
		LastUsed:         now,
		LastRefreshed:    now,
		Source:           model.CredentialSourceAutoRefresh,
		Scopes:           result.Scopes,
	}
	if active != nil {
		rec.RefreshCount = active.RefreshCount + 1
		rec.ClientID = active.ClientID
		if len(rec.Scopes) == 0 {
			rec.Scopes = active.Scopes
		}
	}

	if err := m.secrets.StoreSecret(ctx, rec.ID, result.AccessToken); err != nil {
		return "", fmt.Errorf("store access secret: %w", err)
	}
	if err := m.creds.CreateActive(ctx, rec); err != nil {
		return "", fmt.Errorf("activate new credential: %w", err)
	}

	// The failure conditions tied to the old record no longer apply.
	if active != nil {
		if err := m.alerts.ResolveAllForTarget(ctx, model.TargetCredential, active.ID, "token-manager", now); err != nil {
			m.logger.Error("resolve old credential alerts failed", "credential_id", active.ID, "error", err)
		}
	}

	m.cachedToken = result.AccessToken
	m.cachedID = rec.ID

	m.logger.Info("credential refreshed",
		"credential_id", rec.ID,
		"trigger", reason,
		"expires_at", rec.ExpiresAt,
		"duration", elapsed.Round(time.Millisecond),
	)
	return result.AccessToken, nil
}

// hashSecret returns the hex SHA-256 digest of a raw secret. Only digests
// are stored on credential records.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
