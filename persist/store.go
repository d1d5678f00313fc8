package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key, token or backup is absent from the store.
var ErrNotFound = errors.New("not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash of the stored bytes
	Timestamp time.Time
}

// Store defines the interface for persisting token vault data.
// Everything passed to a Store is either non-secret metadata or ciphertext
// produced by the vault layer; a Store never sees raw keys or plaintext
// credentials.
type Store interface {

	// Keys

	// SaveKeyMetadata writes the JSON metadata of a master key. When expectedVersion is
	// not empty the write fails with a ConcurrencyError if the stored version differs.
	SaveKeyMetadata(keyID string, data []byte, expectedVersion string) (newVersion string, err error)

	// LoadKeyMetadata returns ErrNotFound when the key has no metadata file.
	LoadKeyMetadata(keyID string) (*VersionedData, error)

	// SaveKeyBlob writes the passphrase-wrapped master key.
	SaveKeyBlob(keyID string, blob []byte) error

	// LoadKeyBlob returns ErrNotFound when the wrapped key is absent.
	LoadKeyBlob(keyID string) ([]byte, error)

	// ListKeys returns the ids of every key with a metadata file, sorted.
	ListKeys() ([]string, error)

	// DeleteKey removes the metadata and the wrapped blob. The blob is overwritten
	// with random data overwritePasses times before removal.
	DeleteKey(keyID string, overwritePasses int) error

	// Tokens

	SaveTokenMetadata(tokenID string, data []byte, expectedVersion string) (newVersion string, err error)

	LoadTokenMetadata(tokenID string) (*VersionedData, error)

	SaveTokenRecord(tokenID string, data []byte) error

	LoadTokenRecord(tokenID string) ([]byte, error)

	// ListTokens returns the ids of every token with a metadata file, sorted.
	ListTokens() ([]string, error)

	// DeleteToken removes the metadata and the encrypted record. Missing files are ignored.
	DeleteToken(tokenID string) error

	// Backup operations

	// SaveBackup stores a backup container and returns its store-specific location.
	SaveBackup(container *BackupContainer) (string, error)

	// LoadBackup reads and validates a backup container by id.
	LoadBackup(backupID string) (*BackupContainer, error)

	// ListBackups returns backups sorted newest first.
	ListBackups() ([]BackupInfo, error)

	DeleteBackup(backupID string) error

	// Health and utilities

	// Ping verifies the store is reachable and writable.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// BackupMirror replicates finished backup artifacts to a secondary location.
type BackupMirror interface {
	Upload(ctx context.Context, backupID string, data []byte) error
	Remove(ctx context.Context, backupID string) error
	List(ctx context.Context) ([]string, error)
}

// BackupContainer represents the outer backup format with metadata
type BackupContainer struct {
	// BackupID uniquely identifies the backup; it is also the file name stem.
	BackupID string `json:"backup_id"`

	BackupTimestamp time.Time `json:"backup_timestamp"`

	// FormatVersion is the version of the snapshot layout inside Payload.
	FormatVersion string `json:"format_version"`

	// Checksum is the hex blake3 digest of the decoded Payload bytes.
	Checksum string `json:"checksum"`

	// EncryptionMethod is "none" or "age-scrypt".
	EncryptionMethod string `json:"encryption_method"`

	Compression string `json:"compression"`

	// Payload is the base64 encoded, compressed and optionally sealed snapshot.
	Payload string `json:"payload"`

	KeyCount   int `json:"key_count"`
	TokenCount int `json:"token_count"`
}

// BackupInfo holds the metadata of a backup that can be read without opening
// the payload.
type BackupInfo struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	FormatVersion    string    `json:"format_version"`
	EncryptionMethod string    `json:"encryption_method"`
	FileSize         int64     `json:"file_size"`
	KeyCount         int       `json:"key_count"`
	TokenCount       int       `json:"token_count"`

	// IsValid indicates the result of the checksum validation.
	IsValid bool `json:"is_valid"`

	Checksum  string `json:"checksum"`
	StorePath string `json:"store_path"` // Store-agnostic path/identifier
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/tokenvault"},
//	}
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps keys, tokens and backups under a local directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 is only available as a backup mirror.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
