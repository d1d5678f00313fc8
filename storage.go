package tokenvault

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/internal/misc"
)

// KeyProvider gives scoped access to master key material.
type KeyProvider interface {
	// WithKey calls fn with the raw key and its version; key is only valid inside fn.
	WithKey(keyID string, fn func(key []byte, version int) error) error
	// Wipe drops all cached key material.
	Wipe()
}

// SecureTokenStorage seals credentials into EncryptedTokenRecords and opens
// them again. Each record gets a fresh IV and salt; the record key is
// HKDF-SHA256(master key, salt).
type SecureTokenStorage struct {
	keys      KeyProvider
	algorithm Algorithm
	now       func() time.Time
	log       *zap.Logger
}

// NewSecureTokenStorage creates storage that seals new records with algorithm.
func NewSecureTokenStorage(keys KeyProvider, algorithm Algorithm, opts ...Option) (*SecureTokenStorage, error) {
	if keys == nil {
		return nil, errors.New("key provider cannot be nil")
	}
	if algorithm == "" {
		algorithm = AlgorithmChaCha20Poly1305
	}
	if !crypto.KnownAlgorithm(algorithm) {
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}

	s := applyOptions(opts)
	return &SecureTokenStorage{
		keys:      keys,
		algorithm: algorithm,
		now:       s.now,
		log:       s.logger.With(zap.String("module", "storage")),
	}, nil
}

// EncryptToken seals cred for tokenID under the given key. The key must be
// loaded (ErrNotReady otherwise) and must currently have keyVersion.
func (s *SecureTokenStorage) EncryptToken(tokenID string, cred Credential, keyID string, keyVersion int) (*EncryptedTokenRecord, error) {
	return s.encrypt(tokenID, cred, keyID, keyVersion, s.algorithm)
}

func (s *SecureTokenStorage) encrypt(tokenID string, cred Credential, keyID string, keyVersion int, alg Algorithm) (*EncryptedTokenRecord, error) {
	const op = "encrypt_token"

	if tokenID == "" || keyID == "" {
		return nil, newError(ErrStructureValidationFailed, op, tokenID, errors.New("token id and key id are required"))
	}
	if err := validateCredential(cred); err != nil {
		return nil, newError(ErrStructureValidationFailed, op, tokenID, err)
	}

	plaintext, err := encodeCredential(cred)
	if err != nil {
		return nil, newError(ErrStructureValidationFailed, op, tokenID, err)
	}
	defer memguard.WipeBytes(plaintext)

	iv, err := crypto.RandomBytes(misc.NonceSize)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	err = s.keys.WithKey(keyID, func(master []byte, version int) error {
		if version != keyVersion {
			return newError(ErrStructureValidationFailed, op, tokenID,
				fmt.Errorf("key %s has version %d, not %d", keyID, version, keyVersion))
		}
		aead, err := recordAEAD(alg, master, salt)
		if err != nil {
			return err
		}
		sealed = aead.Seal(nil, iv, plaintext, recordAAD(tokenID, keyID, keyVersion, alg))
		return nil
	})
	if err != nil {
		return nil, err
	}

	split := len(sealed) - misc.TagSize
	return &EncryptedTokenRecord{
		TokenID:    tokenID,
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
		Salt:       salt,
		KeyID:      keyID,
		KeyVersion: keyVersion,
		Algorithm:  alg,
		Timestamp:  s.now().UTC(),
	}, nil
}

// DecryptToken opens a record.
//
// Error Conditions:
//   - ErrStructureValidationFailed: malformed record (field sizes, unknown
//     algorithm, missing ids, key version mismatch) or a plaintext that is not a
//     valid credential.
//   - ErrIntegrityVerificationFailed: authentication failed; any modified byte of
//     ciphertext, iv, tag or salt ends here.
//   - ErrNotReady / ErrKeyNotFound: the sealing key is not loaded or unknown.
func (s *SecureTokenStorage) DecryptToken(rec *EncryptedTokenRecord) (Credential, error) {
	const op = "decrypt_token"

	if err := validateRecordStructure(rec); err != nil {
		id := ""
		if rec != nil {
			id = rec.TokenID
		}
		return Credential{}, newError(ErrStructureValidationFailed, op, id, err)
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.AuthTag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.AuthTag...)

	var plaintext []byte
	err := s.keys.WithKey(rec.KeyID, func(master []byte, version int) error {
		if version != rec.KeyVersion {
			return newError(ErrStructureValidationFailed, op, rec.TokenID,
				fmt.Errorf("record claims key version %d, key %s has version %d", rec.KeyVersion, rec.KeyID, version))
		}
		aead, err := recordAEAD(rec.Algorithm, master, rec.Salt)
		if err != nil {
			return err
		}
		plaintext, err = aead.Open(nil, rec.IV, sealed, recordAAD(rec.TokenID, rec.KeyID, rec.KeyVersion, rec.Algorithm))
		if err != nil {
			return newError(ErrIntegrityVerificationFailed, op, rec.TokenID, nil)
		}
		return nil
	})
	if err != nil {
		return Credential{}, err
	}
	defer memguard.WipeBytes(plaintext)

	cred, err := decodeCredential(plaintext)
	if err != nil {
		return Credential{}, newError(ErrStructureValidationFailed, op, rec.TokenID, err)
	}
	if err = validateCredential(cred); err != nil {
		return Credential{}, newError(ErrStructureValidationFailed, op, rec.TokenID, err)
	}
	return cred, nil
}

// VerifyRecord authenticates a record without returning the plaintext.
func (s *SecureTokenStorage) VerifyRecord(rec *EncryptedTokenRecord) error {
	_, err := s.DecryptToken(rec)
	return err
}

// WipeKey drops the key material this storage reads from.
func (s *SecureTokenStorage) WipeKey() {
	s.keys.Wipe()
	s.log.Debug("storage key references wiped")
}

// recordAEAD derives the per-record key and builds the cipher. The derived key
// is wiped before returning; the AEAD keeps its own expanded copy.
func recordAEAD(alg Algorithm, master, salt []byte) (cipher.AEAD, error) {
	sub, err := crypto.DeriveSubKey(master, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(sub)
	return crypto.NewAEAD(alg, sub)
}

func validateRecordStructure(rec *EncryptedTokenRecord) error {
	switch {
	case rec == nil:
		return errors.New("record is nil")
	case rec.TokenID == "":
		return errors.New("record has no token id")
	case rec.KeyID == "":
		return errors.New("record has no key id")
	case rec.KeyVersion < 1:
		return fmt.Errorf("invalid key version %d", rec.KeyVersion)
	case !crypto.KnownAlgorithm(rec.Algorithm):
		return fmt.Errorf("unknown algorithm %q", rec.Algorithm)
	case len(rec.IV) != misc.NonceSize:
		return fmt.Errorf("iv must be %d bytes, got %d", misc.NonceSize, len(rec.IV))
	case len(rec.AuthTag) != misc.TagSize:
		return fmt.Errorf("auth tag must be %d bytes, got %d", misc.TagSize, len(rec.AuthTag))
	case len(rec.Salt) != misc.SaltSize:
		return fmt.Errorf("salt must be %d bytes, got %d", misc.SaltSize, len(rec.Salt))
	case len(rec.Ciphertext) == 0:
		return errors.New("ciphertext is empty")
	}
	return nil
}
