package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
)

// hkdfInfo binds derived keys to this store so a leaked master key used
// elsewhere never yields the same record keys.
const hkdfInfo = "supervisor-secret-store-v1"

// gcmNonceSize is the AES-GCM nonce length prepended to every ciphertext.
const gcmNonceSize = 12

// SecretService is the encrypted secret store. Values are sealed with
// AES-256-GCM under a per-record key derived from the master key via
// HKDF-SHA256 keyed by key_path. Cleartext exists only in memory during Get;
// every access (successful or not) writes an immutable audit row.
type SecretService struct {
	db        *database.Client
	masterKey []byte
	keyID     string
}

// NewSecretService creates a SecretService from a base64-encoded 32-byte
// master key carried in the named environment variable.
func NewSecretService(db *database.Client, masterKeyEnv, keyID string) (*SecretService, error) {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("secret store master key missing: %s not set", masterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("secret store master key in %s is not valid base64: %w", masterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret store master key must be 32 bytes, got %d", len(key))
	}
	return &SecretService{db: db, masterKey: key, keyID: keyID}, nil
}

// SetSecretRequest carries the fields of a Set call.
type SetSecretRequest struct {
	KeyPath     string
	Value       string
	SecretType  string
	Description string
	ExpiresAt   *time.Time
	Metadata    map[string]any
}

// Get decrypts and returns the secret value, bumping access_count and
// last_accessed_at. Expired secrets return ErrExpired.
func (s *SecretService) Get(ctx context.Context, keyPath, accessedBy string) (string, error) {
	value, err := s.get(ctx, keyPath)
	s.logAccess(ctx, keyPath, accessedBy, models.SecretAccessGet, err)
	return value, err
}

func (s *SecretService) get(ctx context.Context, keyPath string) (string, error) {
	if err := validateKeyPath(keyPath); err != nil {
		return "", err
	}

	var (
		id        int64
		encrypted []byte
		expiresAt *time.Time
	)
	err := s.db.Querier(ctx).QueryRow(ctx,
		`SELECT id, encrypted_value, expires_at FROM secrets WHERE key_path = $1`, keyPath).
		Scan(&id, &encrypted, &expiresAt)
	if err != nil {
		if database.IsNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load secret: %w", err)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return "", ErrExpired
	}

	plaintext, err := s.decrypt(keyPath, encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", keyPath, err)
	}

	if _, err := s.db.Querier(ctx).Exec(ctx,
		`UPDATE secrets SET access_count = access_count + 1, last_accessed_at = now() WHERE id = $1`, id); err != nil {
		slog.Warn("Failed to bump secret access count", "key_path", keyPath, "error", err)
	}

	return plaintext, nil
}

// Set encrypts and upserts a secret value.
func (s *SecretService) Set(ctx context.Context, req SetSecretRequest, accessedBy string) error {
	err := s.set(ctx, req)
	s.logAccess(ctx, req.KeyPath, accessedBy, models.SecretAccessSet, err)
	return err
}

func (s *SecretService) set(ctx context.Context, req SetSecretRequest) error {
	if err := validateKeyPath(req.KeyPath); err != nil {
		return err
	}
	if req.Value == "" {
		return NewValidationError("value", "required")
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	encrypted, err := s.encrypt(req.KeyPath, req.Value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", req.KeyPath, err)
	}

	_, err = s.db.Querier(ctx).Exec(ctx, `
		INSERT INTO secrets (key_path, encrypted_value, encryption_key_id, secret_type, description, expires_at, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		ON CONFLICT (key_path) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			encryption_key_id = EXCLUDED.encryption_key_id,
			secret_type = EXCLUDED.secret_type,
			description = EXCLUDED.description,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		req.KeyPath, encrypted, s.keyID, req.SecretType, req.Description, req.ExpiresAt, metadata)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Delete removes a secret. Deleting a missing key returns ErrNotFound.
func (s *SecretService) Delete(ctx context.Context, keyPath, accessedBy string) error {
	err := s.delete(ctx, keyPath)
	s.logAccess(ctx, keyPath, accessedBy, models.SecretAccessDelete, err)
	return err
}

func (s *SecretService) delete(ctx context.Context, keyPath string) error {
	if err := validateKeyPath(keyPath); err != nil {
		return err
	}
	tag, err := s.db.Querier(ctx).Exec(ctx, `DELETE FROM secrets WHERE key_path = $1`, keyPath)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns metadata for secrets under the given path prefix. Values are
// never included.
func (s *SecretService) List(ctx context.Context, prefix string) ([]models.SecretListItem, error) {
	rows, err := s.db.Querier(ctx).Query(ctx, `
		SELECT key_path, COALESCE(secret_type, ''), COALESCE(description, ''), access_count, last_accessed_at, expires_at
		FROM secrets
		WHERE key_path LIKE $1 || '%'
		ORDER BY key_path ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var items []models.SecretListItem
	for rows.Next() {
		var item models.SecretListItem
		if err := rows.Scan(&item.KeyPath, &item.SecretType, &item.Description,
			&item.AccessCount, &item.LastAccessedAt, &item.ExpiresAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AccessLog returns the audit rows for a key path, newest first.
func (s *SecretService) AccessLog(ctx context.Context, keyPath string, limit int) ([]models.SecretAccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Querier(ctx).Query(ctx, `
		SELECT id, secret_id, key_path, accessed_by, access_type, success, COALESCE(error, ''), accessed_at
		FROM secret_access_log
		WHERE key_path = $1
		ORDER BY accessed_at DESC
		LIMIT $2`, keyPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query secret access log: %w", err)
	}
	defer rows.Close()

	var entries []models.SecretAccessLog
	for rows.Next() {
		var e models.SecretAccessLog
		if err := rows.Scan(&e.ID, &e.SecretID, &e.KeyPath, &e.AccessedBy,
			&e.AccessType, &e.Success, &e.Error, &e.AccessedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// logAccess writes the immutable audit row. Best-effort: a failed audit write
// is logged, never surfaced, so it cannot mask the caller's result.
func (s *SecretService) logAccess(ctx context.Context, keyPath, accessedBy string, accessType models.SecretAccessType, accessErr error) {
	if accessedBy == "" {
		accessedBy = models.AnonymousInstanceID
	}
	var errMsg string
	if accessErr != nil {
		errMsg = accessErr.Error()
	}
	_, err := s.db.Querier(ctx).Exec(ctx, `
		INSERT INTO secret_access_log (secret_id, key_path, accessed_by, access_type, success, error)
		VALUES ((SELECT id FROM secrets WHERE key_path = $1), $1, $2, $3, $4, NULLIF($5, ''))`,
		keyPath, accessedBy, accessType, accessErr == nil, errMsg)
	if err != nil {
		slog.Error("Failed to write secret access log", "key_path", keyPath, "error", err)
	}
}

// encrypt seals plaintext with AES-256-GCM under the record key for keyPath.
// Output layout: nonce || ciphertext+tag.
func (s *SecretService) encrypt(keyPath, plaintext string) ([]byte, error) {
	gcm, err := s.recordCipher(keyPath)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), []byte(keyPath)), nil
}

// decrypt opens a value produced by encrypt.
func (s *SecretService) decrypt(keyPath string, sealed []byte) (string, error) {
	gcm, err := s.recordCipher(keyPath)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcmNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(keyPath))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// recordCipher derives the per-record AES-256-GCM cipher for a key path.
func (s *SecretService) recordCipher(keyPath string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, s.masterKey, []byte(keyPath), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// validateKeyPath enforces the hierarchical "segment/segment/…" shape.
func validateKeyPath(keyPath string) error {
	if keyPath == "" {
		return NewValidationError("key_path", "required")
	}
	if strings.HasPrefix(keyPath, "/") || strings.HasSuffix(keyPath, "/") {
		return NewValidationError("key_path", "must not start or end with '/'")
	}
	for _, segment := range strings.Split(keyPath, "/") {
		if segment == "" {
			return NewValidationError("key_path", "empty path segment")
		}
	}
	return nil
}
