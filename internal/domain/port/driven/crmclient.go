package driven

import (
	"context"
	"fmt"

	"github.com/crmmirror/crmmirror/internal/domain/model"
)

// RemoteErrorKind classifies failures of remote CRM operations.
type RemoteErrorKind string

const (
	RemoteAuthFailed  RemoteErrorKind = "auth_failed"
	RemoteNetwork     RemoteErrorKind = "network_error"
	RemoteRateLimited RemoteErrorKind = "rate_limited"
)

// RemoteError is a typed failure from the remote CRM. AuthFailed means the
// refresh secret itself was rejected and a retry cannot succeed.
type RemoteError struct {
	Kind       RemoteErrorKind
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("crm %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// RefreshResult is the outcome of a successful credential refresh. The
// remote may omit a rotated refresh secret, in which case the old one
// stays valid.
type RefreshResult struct {
	AccessToken      string
	RefreshToken     string // empty when the remote did not rotate it
	ExpiresInSeconds int
	StatusCode       int
	Scopes           []string
}

// CRMClient is the narrow interface to the remote CRM. Both operations are
// opaque network calls; failures surface as *RemoteError.
type CRMClient interface {
	// FetchBatch retrieves the records matching the given criteria.
	FetchBatch(ctx context.Context, accessToken, criteria string) ([]model.RemoteRecord, error)

	// RefreshCredential exchanges the refresh secret for a new access
	// secret. Never retried by the caller's lifecycle manager.
	RefreshCredential(ctx context.Context, refreshSecret string) (RefreshResult, error)
}
