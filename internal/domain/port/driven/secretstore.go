package driven

import (
	"context"
	"errors"
)

// ErrEncryptionKeyNotSet is returned by SecretStore operations when the
// store was constructed without an encryption key.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set CRMMIRROR_SECRET_KEY")

// SecretStore is the secure side channel for raw credential material. Raw
// secrets never live alongside the hashed credential records; the adapter
// encrypts them at rest.
type SecretStore interface {
	// StoreSecret stores or replaces the raw secret for the given id.
	StoreSecret(ctx context.Context, id, secret string) error

	// LoadSecret retrieves the raw secret for the given id.
	// Returns ("", nil) if no secret exists for that id.
	LoadSecret(ctx context.Context, id string) (string, error)

	// DeleteSecret removes the secret for the given id.
	DeleteSecret(ctx context.Context, id string) error
}
