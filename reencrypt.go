package tokenvault

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReencryptTokens decrypts every record under oldKeyID and re-encrypts it under
// newKeyID, loading either key with its passphrase when it is not cached.
//
// The operation is all-or-nothing: if any record fails, no records are returned
// and the error is a *ReencryptError naming every failing token. Records keep
// their token id and cipher suite.
func (km *KeyManager) ReencryptTokens(oldKeyID, newKeyID, oldPassphrase, newPassphrase string, records []*EncryptedTokenRecord) ([]*EncryptedTokenRecord, error) {
	for _, k := range []struct{ id, pass string }{{oldKeyID, oldPassphrase}, {newKeyID, newPassphrase}} {
		if km.IsLoaded(k.id) {
			continue
		}
		if err := km.Unlock(k.id, k.pass); err != nil {
			return nil, err
		}
	}

	newMeta, err := km.KeyMetadata(newKeyID)
	if err != nil {
		return nil, err
	}

	storage := &SecureTokenStorage{keys: km, now: km.now, log: km.log}

	var (
		errs   error
		failed []string
		out    = make([]*EncryptedTokenRecord, 0, len(records))
	)
	for i, rec := range records {
		id := fmt.Sprintf("#%d", i)
		if rec != nil && rec.TokenID != "" {
			id = rec.TokenID
		}

		if rec == nil || rec.KeyID != oldKeyID {
			failed = append(failed, id)
			errs = multierr.Append(errs, fmt.Errorf("record %s is not sealed under key %s", id, oldKeyID))
			continue
		}

		cred, err := storage.DecryptToken(rec)
		if err != nil {
			failed = append(failed, id)
			errs = multierr.Append(errs, fmt.Errorf("record %s: %w", id, err))
			continue
		}

		sealed, err := storage.encrypt(rec.TokenID, cred, newKeyID, newMeta.Version, rec.Algorithm)
		if err != nil {
			failed = append(failed, id)
			errs = multierr.Append(errs, fmt.Errorf("record %s: %w", id, err))
			continue
		}
		out = append(out, sealed)
	}

	if errs != nil {
		km.log.Warn("re-encryption aborted",
			zap.String("old_key_id", oldKeyID), zap.String("new_key_id", newKeyID), zap.Strings("failed", failed))
		return nil, &ReencryptError{FailedTokenIDs: failed, Err: errs}
	}

	km.log.Info("records re-encrypted",
		zap.String("old_key_id", oldKeyID), zap.String("new_key_id", newKeyID), zap.Int("count", len(out)))
	return out, nil
}
