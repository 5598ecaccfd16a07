package models

import "time"

// Secret is an encrypted key/value record. Values are AES-256-GCM encrypted
// with a per-record nonce and never stored or returned in cleartext except
// from an explicit Get.
type Secret struct {
	ID              int64          `json:"id"`
	KeyPath         string         `json:"key_path"`
	EncryptedValue  []byte         `json:"-"`
	EncryptionKeyID string         `json:"encryption_key_id"`
	SecretType      string         `json:"secret_type,omitempty"`
	Description     string         `json:"description,omitempty"`
	AccessCount     int64          `json:"access_count"`
	LastAccessedAt  *time.Time     `json:"last_accessed_at,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SecretAccessType classifies an access-log row.
type SecretAccessType string

// Secret access type constants.
const (
	SecretAccessGet    SecretAccessType = "get"
	SecretAccessSet    SecretAccessType = "set"
	SecretAccessDelete SecretAccessType = "delete"
)

// SecretAccessLog is an immutable audit row written for every secret access,
// successful or not.
type SecretAccessLog struct {
	ID         int64            `json:"id"`
	SecretID   *int64           `json:"secret_id,omitempty"`
	KeyPath    string           `json:"key_path"`
	AccessedBy string           `json:"accessed_by"`
	AccessType SecretAccessType `json:"access_type"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	AccessedAt time.Time        `json:"accessed_at"`
}

// SecretListItem is the metadata-only view returned by List. It never carries
// the decrypted value.
type SecretListItem struct {
	KeyPath        string     `json:"key_path"`
	SecretType     string     `json:"secret_type,omitempty"`
	Description    string     `json:"description,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
