package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/tokenvault/internal/misc"
)

// Algorithm identifies the record cipher suite, including the sub-key derivation.
type Algorithm string

const (
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305+hkdf-sha256"
	AES256GCM        Algorithm = "aes-256-gcm+hkdf-sha256"
)

// subKeyInfo is the HKDF context string for per-record keys.
var subKeyInfo = []byte("tokenvault.record.v1")

// KnownAlgorithm reports whether alg is a supported record cipher suite.
func KnownAlgorithm(alg Algorithm) bool {
	return alg == ChaCha20Poly1305 || alg == AES256GCM
}

// NewAEAD builds the AEAD for alg keyed with a 32-byte key.
func NewAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", misc.KeySize, len(key))
	}
	switch alg {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create block cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// DeriveSubKey expands the master key and a per-record salt into a 32-byte record key.
// The caller owns the returned slice and should wipe it after use.
func DeriveSubKey(master, salt []byte) ([]byte, error) {
	if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", misc.SaltSize, len(salt))
	}
	sub := make([]byte, misc.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, subKeyInfo), sub); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return sub, nil
}
