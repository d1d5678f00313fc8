package tokenvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/persist"
)

// RestoreResult reports RestoreBackup.
type RestoreResult struct {
	BackupID      string `json:"backup_id"`
	ActiveKeyID   string `json:"active_key_id"`
	Keys          int    `json:"keys"`
	Tokens        int    `json:"tokens"`
	KeysRemoved   int    `json:"keys_removed"`
	TokensRemoved int    `json:"tokens_removed"`
}

// RestoreBackup replaces the contents of the store with backupID.
//
// The backup is opened and checked the same way VerifyBackup does, and its
// active key must unwrap with the orchestrator's passphrase; otherwise nothing
// is written. Key metadata, wrapped keys, token metadata and records are then
// written back verbatim. Keys and tokens the backup does not know are deleted.
// Finally the key chain and the token index are reloaded from the store and
// the active key is unlocked again.
//
// Records stay sealed throughout, a restore never decrypts a credential.
func (o *Orchestrator) RestoreBackup(ctx context.Context, backupID string) (RestoreResult, error) {
	result := RestoreResult{BackupID: backupID}

	lm, err := o.ready()
	if err != nil {
		return result, err
	}

	fail := func(err error) (RestoreResult, error) {
		o.log.Error("restore failed", zap.String("backup_id", backupID), zap.Error(err))
		o.publish(EventError, "", "", ErrorPayload{Op: opRestore, Error: err.Error()})
		return result, err
	}

	// no backup or integrity cycle may observe a half written store
	o.backupMu.Lock()
	defer o.backupMu.Unlock()
	o.integrityMu.Lock()
	defer o.integrityMu.Unlock()

	snapshot, err := o.openBackup(opRestore, backupID)
	if err != nil {
		return fail(err)
	}
	if err = ctx.Err(); err != nil {
		return fail(newError(ErrBackupFailed, opRestore, backupID, err))
	}

	err = o.withPassphrase(func(pass string) error {
		if err := checkRestorable(snapshot, pass); err != nil {
			return newError(ErrKeyDerivationFailure, opRestore, backupID, err)
		}
		if err := o.writeSnapshot(snapshot, &result); err != nil {
			return newError(ErrBackupFailed, opRestore, backupID, err)
		}
		if err := o.keys.Reload(); err != nil {
			return newError(ErrBackupFailed, opRestore, backupID, err)
		}
		if _, err := o.unlockKeys(pass); err != nil {
			return err
		}
		return lm.LoadFromStore()
	})
	if err != nil {
		return fail(err)
	}

	active, _ := o.keys.ActiveKey()
	result.ActiveKeyID = active.KeyID
	result.Keys = len(snapshot.Keys)
	result.Tokens = len(snapshot.Tokens)
	o.refreshActiveGauge(lm)

	o.log.Info("backup restored",
		zap.String("backup_id", backupID),
		zap.String("active_key_id", result.ActiveKeyID),
		zap.Int("keys", result.Keys),
		zap.Int("tokens", result.Tokens),
		zap.Int("keys_removed", result.KeysRemoved),
		zap.Int("tokens_removed", result.TokensRemoved))
	o.publish(EventBackupRestored, "", result.ActiveKeyID, BackupRestoredPayload{
		BackupID:      backupID,
		ActiveKeyID:   result.ActiveKeyID,
		Keys:          result.Keys,
		Tokens:        result.Tokens,
		KeysRemoved:   result.KeysRemoved,
		TokensRemoved: result.TokensRemoved,
	})
	return result, nil
}

// checkRestorable unwraps the snapshot's active key with pass.
func checkRestorable(s *backupSnapshot, pass string) error {
	if s.ActiveKeyID == "" {
		return errors.New("backup has no active key")
	}
	for _, k := range s.Keys {
		if k.KeyID != s.ActiveKeyID {
			continue
		}
		var meta KeyMetadata
		if err := json.Unmarshal(k.Metadata, &meta); err != nil {
			return fmt.Errorf("key %s: %w", k.KeyID, err)
		}
		wrappingKey, err := crypto.DeriveKey([]byte(pass), meta.Derivation)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.KeyID, err)
		}
		defer wrappingKey.Destroy()

		master, err := crypto.UnwrapKey(k.WrappedKey, wrappingKey.Bytes(), []byte(k.KeyID))
		if err != nil {
			return fmt.Errorf("active key %s does not unwrap with the current passphrase", k.KeyID)
		}
		memguard.WipeBytes(master)
		return nil
	}
	return fmt.Errorf("active key %s is missing from the backup", s.ActiveKeyID)
}

// writeSnapshot makes the store hold exactly what s holds.
func (o *Orchestrator) writeSnapshot(s *backupSnapshot, result *RestoreResult) error {
	keep := make(map[string]struct{}, len(s.Keys)+len(s.Tokens))

	for _, k := range s.Keys {
		if err := o.store.SaveKeyBlob(k.KeyID, k.WrappedKey); err != nil {
			return fmt.Errorf("failed to restore wrapped key %s: %w", k.KeyID, err)
		}
		if _, err := o.store.SaveKeyMetadata(k.KeyID, k.Metadata, ""); err != nil {
			return fmt.Errorf("failed to restore key metadata %s: %w", k.KeyID, err)
		}
		keep["key/"+k.KeyID] = struct{}{}
	}

	for _, t := range s.Tokens {
		if len(t.Record) > 0 {
			if err := o.store.SaveTokenRecord(t.TokenID, t.Record); err != nil {
				return fmt.Errorf("failed to restore record %s: %w", t.TokenID, err)
			}
		} else if err := o.store.DeleteToken(t.TokenID); err != nil {
			// the backup holds metadata only, drop any newer record
			return fmt.Errorf("failed to clear token %s: %w", t.TokenID, err)
		}
		if _, err := o.store.SaveTokenMetadata(t.TokenID, t.Metadata, ""); err != nil {
			return fmt.Errorf("failed to restore token metadata %s: %w", t.TokenID, err)
		}
		keep["token/"+t.TokenID] = struct{}{}
	}

	tokenIDs, err := o.store.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	for _, id := range tokenIDs {
		if _, ok := keep["token/"+id]; ok {
			continue
		}
		if err = o.store.DeleteToken(id); err != nil {
			return fmt.Errorf("failed to remove token %s: %w", id, err)
		}
		result.TokensRemoved++
	}

	keyIDs, err := o.store.ListKeys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, id := range keyIDs {
		if _, ok := keep["key/"+id]; ok {
			continue
		}
		if err = o.store.DeleteKey(id, 1); err != nil && !errors.Is(err, persist.ErrNotFound) {
			return fmt.Errorf("failed to remove key %s: %w", id, err)
		}
		result.KeysRemoved++
	}
	return nil
}
