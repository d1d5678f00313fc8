package tokenvault

import (
	"time"

	"southwinds.dev/tokenvault/internal/crypto"
)

// DerivationParams describes how a key-wrapping key is derived from a passphrase.
type DerivationParams = crypto.Params

// KDF names a supported passphrase key-derivation function.
type KDF = crypto.KDF

// Algorithm names a record cipher suite.
type Algorithm = crypto.Algorithm

const (
	KDFPBKDF2   = crypto.KDFPBKDF2
	KDFScrypt   = crypto.KDFScrypt
	KDFArgon2id = crypto.KDFArgon2id

	AlgorithmChaCha20Poly1305 = crypto.ChaCha20Poly1305
	AlgorithmAES256GCM        = crypto.AES256GCM
)

// KeyStatus is the lifecycle state of a master key.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusDeprecated KeyStatus = "deprecated"
	KeyStatusRevoked    KeyStatus = "revoked"
)

// KeyMetadata is the persisted, non-secret description of a master key.
type KeyMetadata struct {
	KeyID        string           `json:"key_id"`
	Version      int              `json:"version"`
	Derivation   DerivationParams `json:"derivation"`
	CreatedAt    time.Time        `json:"created_at"`
	LastUsed     time.Time        `json:"last_used"`
	Status       KeyStatus        `json:"status"`
	DerivedFrom  string           `json:"derived_from,omitempty"`
	DeprecatedAt *time.Time       `json:"deprecated_at,omitempty"`
	RevokedAt    *time.Time       `json:"revoked_at,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// Credential is the plaintext bearer credential handed over by the
// authorization flow.
type Credential struct {
	AccessToken     string `json:"access_token" cbor:"1,keyasint" validate:"required"`
	TokenType       string `json:"token_type" cbor:"2,keyasint" validate:"required"`
	LifetimeSeconds int64  `json:"lifetime_seconds" cbor:"3,keyasint" validate:"gte=0,lte=9223372036"`
	RefreshToken    string `json:"refresh_token,omitempty" cbor:"4,keyasint,omitempty"`
	Scope           string `json:"scope,omitempty" cbor:"5,keyasint,omitempty"`
}

// EncryptedTokenRecord is the at-rest form of a credential. Binary fields are
// base64 encoded in JSON.
type EncryptedTokenRecord struct {
	TokenID    string    `json:"token_id"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	AuthTag    []byte    `json:"auth_tag"`
	Salt       []byte    `json:"salt"`
	KeyID      string    `json:"key_id"`
	KeyVersion int       `json:"key_version"`
	Algorithm  Algorithm `json:"algorithm"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenStatus is the lifecycle state of a token. Only active, revoked and
// rotated are ever stored; expired is derived from the clock.
type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"
	TokenStatusExpired TokenStatus = "expired"
	TokenStatusRevoked TokenStatus = "revoked"
	TokenStatusRotated TokenStatus = "rotated"
)

// Binding restricts a token to a caller context. Empty fields are wildcards.
type Binding struct {
	ClientID  string `json:"client_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// TokenMetadata is the persisted, non-secret description of a token.
type TokenMetadata struct {
	ID            string      `json:"id"`
	KeyID         string      `json:"key_id"`
	KeyVersion    int         `json:"key_version"`
	CreatedAt     time.Time   `json:"created_at"`
	LastUsed      *time.Time  `json:"last_used,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at"`
	UsageCount    int64       `json:"usage_count"`
	Status        TokenStatus `json:"status"`
	RotationCount int         `json:"rotation_count"`
	Binding       *Binding    `json:"binding,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	TerminalAt    *time.Time  `json:"terminal_at,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	RotatedTo     string      `json:"rotated_to,omitempty"`
	RotatedFrom   string      `json:"rotated_from,omitempty"`
	HourlyUsage   [24]int64   `json:"hourly_usage"`
}

func (m TokenMetadata) clone() TokenMetadata {
	c := m
	if m.LastUsed != nil {
		t := *m.LastUsed
		c.LastUsed = &t
	}
	if m.TerminalAt != nil {
		t := *m.TerminalAt
		c.TerminalAt = &t
	}
	if m.Binding != nil {
		b := *m.Binding
		c.Binding = &b
	}
	c.Tags = append([]string(nil), m.Tags...)
	return c
}

// UsageStats summarizes how a token has been used.
type UsageStats struct {
	UsageCount    int64         `json:"usage_count"`
	LastUsed      *time.Time    `json:"last_used,omitempty"`
	Age           time.Duration `json:"age"`
	RotationCount int           `json:"rotation_count"`
}

// ValidationResult is the outcome of checking a token against its lifecycle
// rules and an optional binding.
type ValidationResult struct {
	TokenID        string        `json:"token_id"`
	Valid          bool          `json:"valid"`
	Expired        bool          `json:"expired"`
	Revoked        bool          `json:"revoked"`
	Rotated        bool          `json:"rotated"`
	Warnings       []string      `json:"warnings,omitempty"`
	RemainingTime  time.Duration `json:"remaining_time"`
	Usage          UsageStats    `json:"usage"`
	RotationDue    bool          `json:"rotation_due"`
	RotationReason string        `json:"rotation_reason,omitempty"`
}
