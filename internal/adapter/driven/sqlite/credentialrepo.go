package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port
// interface. Only secret hashes are stored here; raw material lives in the
// SecretRepo.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

const credentialColumns = `id, access_token_hash, refresh_token_hash, issued_at, expires_at,
	last_used, last_refreshed, is_active, refresh_count, error_count,
	last_error, last_error_at, source, client_id, scopes`

// GetActive returns the single active credential record, or
// driven.ErrNoActiveCredential if none exists.
func (r *CredentialRepo) GetActive(ctx context.Context) (*model.CredentialRecord, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE is_active = 1`

	rec, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrNoActiveCredential
	}
	if err != nil {
		return nil, fmt.Errorf("get active credential: %w", err)
	}
	return rec, nil
}

// GetByID returns the record with the given id, or nil if absent.
func (r *CredentialRepo) GetByID(ctx context.Context, id string) (*model.CredentialRecord, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`

	rec, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	return rec, nil
}

// CreateActive inserts rec with is_active=1, deactivating any previously
// active record in the same transaction so the single-active invariant
// holds at every commit point.
func (r *CredentialRepo) CreateActive(ctx context.Context, rec model.CredentialRecord) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE credentials SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate previous credential: %w", err)
	}

	const insert = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insert,
		rec.ID, rec.AccessTokenHash, rec.RefreshTokenHash,
		nullTime(rec.IssuedAt), nullTime(rec.ExpiresAt),
		nullTime(rec.LastUsed), nullTime(rec.LastRefreshed),
		rec.RefreshCount, rec.ErrorCount,
		rec.LastError, nullTime(rec.LastErrorAt),
		string(rec.Source), rec.ClientID, string(scopes),
	)
	if err != nil {
		return fmt.Errorf("insert credential %q: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential %q: %w", rec.ID, err)
	}
	return nil
}

// TouchLastUsed updates last_used on the given record.
func (r *CredentialRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE credentials SET last_used = ? WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, nullTime(at), id)
	if err != nil {
		return fmt.Errorf("touch credential %q: %w", id, err)
	}
	return nil
}

// RecordError increments error_count and sets last_error/last_error_at.
func (r *CredentialRepo) RecordError(ctx context.Context, id, message string) error {
	const query = `UPDATE credentials
		SET error_count = error_count + 1, last_error = ?, last_error_at = ?
		WHERE id = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, message, nullTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("record error on credential %q: %w", id, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.CredentialRecord, error) {
	var (
		rec                                           model.CredentialRecord
		issuedAt, expiresAt                           string
		lastUsed, lastRefreshed, lastErrorAt          sql.NullString
		isActive                                      int
		source, scopes                                string
	)

	err := row.Scan(
		&rec.ID, &rec.AccessTokenHash, &rec.RefreshTokenHash,
		&issuedAt, &expiresAt, &lastUsed, &lastRefreshed,
		&isActive, &rec.RefreshCount, &rec.ErrorCount,
		&rec.LastError, &lastErrorAt, &source, &rec.ClientID, &scopes,
	)
	if err != nil {
		return nil, err
	}

	rec.IsActive = isActive == 1
	rec.Source = model.CredentialSource(source)

	if rec.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if rec.LastUsed, err = scanNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("parse last_used: %w", err)
	}
	if rec.LastRefreshed, err = scanNullTime(lastRefreshed); err != nil {
		return nil, fmt.Errorf("parse last_refreshed: %w", err)
	}
	if rec.LastErrorAt, err = scanNullTime(lastErrorAt); err != nil {
		return nil, fmt.Errorf("parse last_error_at: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}

	return &rec, nil
}
