// Package keystore persists user-supplied (BYOK) provider API keys. Secrets
// are encrypted at rest and never leave the package except through
// KeyHandle.Secret at the moment of an upstream call.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelpay/keysource/internal/gateway/providers"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/secrets"
)

var (
	ErrNotFound         = errors.New("api key not found")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrValidationFailed = errors.New("key validation failed")
)

const defaultAuthFailureThreshold = 3

// Record is a stored BYOK key with the secret omitted. This is the shape
// handed to HTTP handlers; the raw key is write-only.
type Record struct {
	ID              string     `json:"id"`
	UserID          string     `json:"-"`
	Provider        string     `json:"provider"`
	KeyHint         string     `json:"keyHint"`
	IsActive        bool       `json:"isActive"`
	IsValid         bool       `json:"isValid"`
	LastError       string     `json:"lastError,omitempty"`
	AuthFailures    int        `json:"-"`
	TotalRequests   int64      `json:"totalRequests"`
	TotalTokens     int64      `json:"totalTokens"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	LastValidatedAt time.Time  `json:"lastValidatedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"-"`
}

// KeyHandle is a routable key: identity plus lazy secret access. The secret
// is decrypted only when an attempt actually uses the key.
type KeyHandle struct {
	ID              string
	Provider        string
	LastValidatedAt time.Time
	LastUsedAt      *time.Time

	ciphertext string
	enc        *secrets.Encryptor
}

// Secret decrypts the stored key.
func (h KeyHandle) Secret() (string, error) {
	return h.enc.Decrypt(h.ciphertext)
}

// Validator proves a key against the live provider API before it is stored.
type Validator interface {
	ValidateKey(ctx context.Context, provider, apiKey string) error
}

// Store is the BYOK key store.
type Store struct {
	db        *database.DB
	enc       *secrets.Encryptor
	validator Validator
	threshold int
}

// New creates a Store. threshold is the number of consecutive upstream auth
// failures after which a key is marked invalid; <= 0 uses the default.
func New(db *database.DB, enc *secrets.Encryptor, validator Validator, threshold int) *Store {
	if threshold <= 0 {
		threshold = defaultAuthFailureThreshold
	}
	return &Store{db: db, enc: enc, validator: validator, threshold: threshold}
}

func knownProvider(provider string) bool {
	switch provider {
	case providers.OpenAI, providers.Anthropic, providers.Gemini:
		return true
	}
	return false
}

// maskHint keeps the last four characters for display.
func maskHint(rawKey string) string {
	if len(rawKey) <= 4 {
		return rawKey
	}
	return rawKey[len(rawKey)-4:]
}

// AddOrReplaceKey validates the raw key against the live provider API,
// encrypts it, and stores it. A user holds at most one key per provider;
// re-submission replaces the secret in place and resets validity state and
// usage counters.
func (s *Store) AddOrReplaceKey(ctx context.Context, userID, provider, rawKey string) (*Record, error) {
	if !knownProvider(provider) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if rawKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrValidationFailed)
	}

	if err := s.validator.ValidateKey(ctx, provider, rawKey); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidationFailed, err.Error())
	}

	ciphertext, err := s.enc.Encrypt(rawKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, user_id, provider, secret_ciphertext, key_hint,
			is_active, is_valid, last_error, auth_failures,
			total_requests, total_tokens, last_validated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, TRUE, TRUE, NULL, 0, 0, 0, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			secret_ciphertext = excluded.secret_ciphertext,
			key_hint = excluded.key_hint,
			is_active = TRUE,
			is_valid = TRUE,
			last_error = NULL,
			auth_failures = 0,
			total_requests = 0,
			total_tokens = 0,
			last_validated_at = excluded.last_validated_at,
			updated_at = excluded.updated_at
	`, id, userID, provider, ciphertext, maskHint(rawKey), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}

	// The row keeps its original id when this was a replacement.
	return s.getByUserProvider(ctx, userID, provider)
}

const recordColumns = `
	id, user_id, provider, key_hint, is_active, is_valid, last_error,
	auth_failures, total_requests, total_tokens,
	last_used_at, last_validated_at, created_at, updated_at
`

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var lastError sql.NullString
	var lastUsed sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Provider, &rec.KeyHint,
		&rec.IsActive, &rec.IsValid, &lastError,
		&rec.AuthFailures, &rec.TotalRequests, &rec.TotalTokens,
		&lastUsed, &rec.LastValidatedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan key: %w", err)
	}
	rec.LastError = lastError.String
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

func (s *Store) getByUserProvider(ctx context.Context, userID, provider string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM api_keys WHERE user_id = ? AND provider = ?
	`, userID, provider)
	return scanRecord(row)
}

// GetKey returns one key owned by the user.
func (s *Store) GetKey(ctx context.Context, userID, keyID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM api_keys WHERE id = ? AND user_id = ?
	`, keyID, userID)
	return scanRecord(row)
}

// ListKeys returns all keys owned by the user, ordered by provider.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM api_keys WHERE user_id = ? ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var lastError sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Provider, &rec.KeyHint,
			&rec.IsActive, &rec.IsValid, &lastError,
			&rec.AuthFailures, &rec.TotalRequests, &rec.TotalTokens,
			&lastUsed, &rec.LastValidatedAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		rec.LastError = lastError.String
		if lastUsed.Valid {
			t := lastUsed.Time
			rec.LastUsedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteKey removes a key owned by the user.
func (s *Store) DeleteKey(ctx context.Context, userID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM api_keys WHERE id = ? AND user_id = ?
	`, keyID, userID)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveKeysByProvider returns routable handles for the user's keys that are
// both active and currently believed valid.
func (s *Store) ActiveKeysByProvider(ctx context.Context, userID string) (map[string]KeyHandle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, secret_ciphertext, last_used_at, last_validated_at
		FROM api_keys
		WHERE user_id = ? AND is_active = TRUE AND is_valid = TRUE
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load active keys: %w", err)
	}
	defer rows.Close()

	handles := make(map[string]KeyHandle)
	for rows.Next() {
		var h KeyHandle
		var lastUsed sql.NullTime
		if err := rows.Scan(&h.ID, &h.Provider, &h.ciphertext, &lastUsed, &h.LastValidatedAt); err != nil {
			return nil, fmt.Errorf("scan key handle: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			h.LastUsedAt = &t
		}
		h.enc = s.enc
		handles[h.Provider] = h
	}
	return handles, rows.Err()
}

// RecordUsage bumps the key's usage counters after a successful attempt and
// clears the consecutive-failure count. Increments are done in SQL so
// concurrent attempts never lose updates.
func (s *Store) RecordUsage(ctx context.Context, keyID string, tokens int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET
			total_requests = total_requests + 1,
			total_tokens = total_tokens + ?,
			auth_failures = 0,
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?
	`, tokens, now, now, keyID)
	if err != nil {
		return fmt.Errorf("record key usage: %w", err)
	}
	return nil
}

// RecordAuthFailure notes an upstream auth rejection. Once the consecutive
// failure count reaches the threshold the key is marked invalid and stops
// being offered to the routing engine. Returns true when this call disabled
// the key.
func (s *Store) RecordAuthFailure(ctx context.Context, keyID, message string) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET
			auth_failures = auth_failures + 1,
			last_error = ?,
			updated_at = ?
		WHERE id = ?
	`, message, now, keyID); err != nil {
		return false, fmt.Errorf("record auth failure: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET is_valid = FALSE, updated_at = ?
		WHERE id = ? AND is_valid = TRUE AND auth_failures >= ?
	`, now, keyID, s.threshold)
	if err != nil {
		return false, fmt.Errorf("disable key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revalidate re-checks a stored key against the live provider API and
// updates its validity state. Backs the "test key" endpoint.
func (s *Store) Revalidate(ctx context.Context, userID, keyID string) (*Record, error) {
	rec, err := s.GetKey(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT secret_ciphertext FROM api_keys WHERE id = ?
	`, keyID)
	var ciphertext string
	if err := row.Scan(&ciphertext); err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	rawKey, err := s.enc.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}

	now := time.Now().UTC()
	if verr := s.validator.ValidateKey(ctx, rec.Provider, rawKey); verr != nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE api_keys SET is_valid = FALSE, last_error = ?, updated_at = ?
			WHERE id = ?
		`, verr.Error(), now, keyID); err != nil {
			return nil, fmt.Errorf("mark invalid: %w", err)
		}
		rec, err := s.GetKey(ctx, userID, keyID)
		if err != nil {
			return nil, err
		}
		return rec, fmt.Errorf("%w: %s", ErrValidationFailed, verr.Error())
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET
			is_valid = TRUE, last_error = NULL, auth_failures = 0,
			last_validated_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, keyID); err != nil {
		return nil, fmt.Errorf("mark valid: %w", err)
	}

	return s.GetKey(ctx, userID, keyID)
}
