package model

import "time"

// CredentialSource records how a credential record came into existence.
type CredentialSource string

const (
	CredentialSourceManual      CredentialSource = "manual"
	CredentialSourceAutoRefresh CredentialSource = "auto_refresh"
	CredentialSourceInitial     CredentialSource = "initial"
)

// HealthStatus classifies the overall condition of the active credential.
type HealthStatus string

const (
	HealthExpired HealthStatus = "expired"
	HealthError   HealthStatus = "error"
	HealthWarning HealthStatus = "warning"
	HealthHealthy HealthStatus = "healthy"
)

// NearExpiryWindow is how close to expiry a credential may get before a
// refresh is considered required.
const NearExpiryWindow = 10 * time.Minute

// CredentialRecord is one row in a credential lineage. It stores only
// SHA-256 hashes of the secrets; raw material lives in the secret store.
// Exactly one record may be active at a time.
type CredentialRecord struct {
	ID               string
	AccessTokenHash  string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	LastUsed         time.Time
	LastRefreshed    time.Time
	IsActive         bool
	RefreshCount     int
	ErrorCount       int
	LastError        string
	LastErrorAt      time.Time
	Source           CredentialSource
	ClientID         string
	Scopes           []string
}

// IsExpired reports whether the credential has passed its expiry instant.
func (c *CredentialRecord) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsNearExpiry reports whether the credential is inside the near-expiry
// window. An already-expired credential is also near expiry.
func (c *CredentialRecord) IsNearExpiry(now time.Time) bool {
	return !now.Before(c.ExpiresAt.Add(-NearExpiryWindow))
}

// TimeUntilExpiry returns the remaining lifetime, negative once expired.
func (c *CredentialRecord) TimeUntilExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Health computes the credential's health status. Expiry dominates; the
// error overlay applies from any non-expired state once errorThreshold
// failures have accumulated; warning covers the near-expiry window.
func (c *CredentialRecord) Health(now time.Time, errorThreshold int) HealthStatus {
	switch {
	case c.IsExpired(now):
		return HealthExpired
	case errorThreshold > 0 && c.ErrorCount >= errorThreshold:
		return HealthError
	case c.IsNearExpiry(now):
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// TriggerReason records why a refresh attempt was made.
type TriggerReason string

const (
	TriggerExpired       TriggerReason = "expired"
	TriggerNearExpiry    TriggerReason = "near_expiry"
	TriggerManual        TriggerReason = "manual"
	TriggerErrorRecovery TriggerReason = "error_recovery"
)

// RefreshAttempt is one append-only row in the refresh audit log.
// CredentialID is empty when no credential record existed yet.
type RefreshAttempt struct {
	ID             int64
	CredentialID   string
	AttemptedAt    time.Time
	Success        bool
	ErrorMessage   string
	ResponseCode   int
	ResponseTimeMS int64
	RetryCount     int
	TriggerReason  TriggerReason
}
