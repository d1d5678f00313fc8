package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnwrap is returned for every failure to open a wrapped key, whatever the cause.
var ErrUnwrap = errors.New("unable to unwrap key material")

// WrapKey seals key material with ChaCha20-Poly1305 under wrappingKey.
// The output layout is nonce || ciphertext || tag; aad is bound but not stored.
func WrapKey(key, wrappingKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, key, aad)

	out := make([]byte, len(nonce)+len(sealed))
	copy(out, nonce)
	copy(out[len(nonce):], sealed)
	return out, nil
}

// UnwrapKey reverses WrapKey. A wrong wrapping key and a corrupted blob are
// indistinguishable and both yield ErrUnwrap.
func UnwrapKey(blob, wrappingKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnwrap
	}

	nonce := blob[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrUnwrap
	}
	return plaintext, nil
}
