package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"southwinds.dev/tokenvault/internal/misc"
)

// KDF names a passphrase key-derivation function.
type KDF string

const (
	KDFPBKDF2   KDF = "pbkdf2-sha256"
	KDFScrypt   KDF = "scrypt"
	KDFArgon2id KDF = "argon2id"
)

// Params captures everything needed to re-derive a wrapping key from a passphrase.
// Iterations doubles as the argon2id time cost.
type Params struct {
	Algorithm   KDF    `json:"algorithm"`
	Iterations  uint32 `json:"iterations,omitempty"`
	MemoryKiB   uint32 `json:"memory_kib,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	ScryptN     int    `json:"scrypt_n,omitempty"`
	ScryptR     int    `json:"scrypt_r,omitempty"`
	ScryptP     int    `json:"scrypt_p,omitempty"`
	Salt        []byte `json:"salt,omitempty"`
}

// DefaultParams returns PBKDF2-HMAC-SHA256 with 100k iterations.
func DefaultParams() Params {
	return Params{Algorithm: KDFPBKDF2, Iterations: misc.PBKDF2Iterations}
}

// DefaultScryptParams returns the interactive-login scrypt cost (N=2^15, r=8, p=1).
func DefaultScryptParams() Params {
	return Params{Algorithm: KDFScrypt, ScryptN: misc.ScryptN, ScryptR: misc.ScryptR, ScryptP: misc.ScryptP}
}

// DefaultArgon2Params returns the argon2id cost used when argon2id is selected without tuning.
func DefaultArgon2Params() Params {
	return Params{
		Algorithm:   KDFArgon2id,
		Iterations:  misc.ArgonTime,
		MemoryKiB:   misc.ArgonMemory,
		Parallelism: misc.ArgonThreads,
	}
}

// Validate ensures the parameters describe a usable derivation.
func (p Params) Validate() error {
	switch p.Algorithm {
	case KDFPBKDF2:
		if p.Iterations < misc.MinPBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations must be at least %d", misc.MinPBKDF2Iterations)
		}
	case KDFScrypt:
		if p.ScryptN < 2 || p.ScryptN&(p.ScryptN-1) != 0 {
			return errors.New("scrypt N must be a power of two greater than 1")
		}
		if p.ScryptR <= 0 || p.ScryptP <= 0 {
			return errors.New("scrypt r and p must be positive")
		}
	case KDFArgon2id:
		if p.Iterations == 0 {
			return errors.New("argon2id time must be greater than zero")
		}
		if p.MemoryKiB < 8*uint32(max(p.Parallelism, 1)) {
			return errors.New("argon2id memory must be at least 8 KiB per thread")
		}
		if p.Parallelism == 0 {
			return errors.New("argon2id parallelism must be greater than zero")
		}
	default:
		return fmt.Errorf("unsupported key derivation function %q", p.Algorithm)
	}
	return nil
}

// WithFreshSalt returns a copy of p carrying a new random salt.
func (p Params) WithFreshSalt() (Params, error) {
	salt, err := RandomBytes(misc.SaltSize)
	if err != nil {
		return Params{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	p.Salt = salt
	return p, nil
}

// DeriveKey stretches the passphrase into a 32-byte wrapping key held in a locked buffer.
// The caller must Destroy the returned buffer.
func DeriveKey(passphrase []byte, p Params) (*memguard.LockedBuffer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(p.Salt) < 16 {
		return nil, errors.New("salt must be at least 16 bytes")
	}

	var derived []byte
	switch p.Algorithm {
	case KDFPBKDF2:
		derived = pbkdf2.Key(passphrase, p.Salt, int(p.Iterations), misc.KeySize, sha256.New)
	case KDFScrypt:
		var err error
		derived, err = scrypt.Key(passphrase, p.Salt, p.ScryptN, p.ScryptR, p.ScryptP, misc.KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
	case KDFArgon2id:
		derived = argon2.IDKey(passphrase, p.Salt, p.Iterations, p.MemoryKiB, p.Parallelism, misc.KeySize)
	}

	// NewBufferFromBytes wipes the source slice
	return memguard.NewBufferFromBytes(derived), nil
}
