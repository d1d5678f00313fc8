package tokenvault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"southwinds.dev/tokenvault/internal/backup"
	"southwinds.dev/tokenvault/persist"
)

const backupFormatVersion = "1"

// backupSnapshot is the payload of a backup artifact. Metadata is kept as the
// exact JSON bytes found in the store so a restore writes them back verbatim.
type backupSnapshot struct {
	FormatVersion string          `cbor:"1,keyasint"`
	CreatedAt     time.Time       `cbor:"2,keyasint"`
	ActiveKeyID   string          `cbor:"3,keyasint"`
	Keys          []keySnapshot   `cbor:"4,keyasint"`
	Tokens        []tokenSnapshot `cbor:"5,keyasint"`
}

type keySnapshot struct {
	KeyID      string `cbor:"1,keyasint"`
	Metadata   []byte `cbor:"2,keyasint"`
	WrappedKey []byte `cbor:"3,keyasint"`
}

type tokenSnapshot struct {
	TokenID  string `cbor:"1,keyasint"`
	Metadata []byte `cbor:"2,keyasint"`
	Record   []byte `cbor:"3,keyasint,omitempty"`
}

// BackupResult reports CreateSecureBackup.
type BackupResult struct {
	Success    bool      `json:"success"`
	BackupID   string    `json:"backup_id,omitempty"`
	Size       int64     `json:"size"`
	Path       string    `json:"path,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Encryption string    `json:"encryption,omitempty"`
	Mirrored   bool      `json:"mirrored"`
	Pruned     int       `json:"pruned"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateSecureBackup writes a snapshot of the store to backups/.
//
// The snapshot holds key metadata, passphrase-wrapped key blobs, token
// metadata and encrypted records. No unwrapped key and no plaintext
// credential is ever part of it.
//
// Artifact layout:
//   - payload: deterministic CBOR, zstd compressed, sealed with age (scrypt)
//     when BackupOptions.Passphrase is set
//   - container: JSON with the base64 payload and its blake3 checksum
//
// After the local write the artifact is uploaded to the backup mirror, if one
// is configured, and local backups beyond BackupOptions.Retain are pruned.
// Mirror and pruning failures are logged and do not fail the backup.
func (o *Orchestrator) CreateSecureBackup(ctx context.Context) BackupResult {
	o.backupMu.Lock()
	defer o.backupMu.Unlock()

	now := o.now().UTC()
	result := BackupResult{CreatedAt: now}

	fail := func(err error) BackupResult {
		err = newError(ErrBackupFailed, opBackup, result.BackupID, err)
		result.Error = err.Error()
		o.log.Error("backup failed", zap.Error(err))
		o.publish(EventError, "", "", ErrorPayload{Op: opBackup, Error: err.Error()})
		return result
	}

	if _, err := o.ready(); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	snapshot, err := o.collectSnapshot(now)
	if err != nil {
		return fail(err)
	}

	payload, method, err := backup.Pack(snapshot, o.opts.Backup.Passphrase)
	if err != nil {
		return fail(err)
	}

	result.BackupID = backup.GenerateBackupID(now)
	container := &persist.BackupContainer{
		BackupID:         result.BackupID,
		BackupTimestamp:  now,
		FormatVersion:    backupFormatVersion,
		Checksum:         backup.Checksum(payload),
		EncryptionMethod: method,
		Compression:      backup.Compression,
		Payload:          base64.StdEncoding.EncodeToString(payload),
		KeyCount:         len(snapshot.Keys),
		TokenCount:       len(snapshot.Tokens),
	}

	path, err := o.store.SaveBackup(container)
	if err != nil {
		return fail(err)
	}

	artifact, err := json.Marshal(container)
	if err != nil {
		return fail(err)
	}

	result.Success = true
	result.Path = path
	result.Size = int64(len(artifact))
	result.Checksum = container.Checksum
	result.Encryption = method

	if o.mirror != nil {
		if err = o.mirror.Upload(ctx, result.BackupID, artifact); err != nil {
			o.log.Warn("backup mirror upload failed", zap.String("backup_id", result.BackupID), zap.Error(err))
		} else {
			result.Mirrored = true
		}
	}

	result.Pruned = o.pruneBackups(ctx)

	o.mu.Lock()
	o.lastBackup = now
	o.lastBackupID = result.BackupID
	o.mu.Unlock()

	o.log.Info("backup created",
		zap.String("backup_id", result.BackupID),
		zap.Int64("size", result.Size),
		zap.Int("keys", container.KeyCount),
		zap.Int("tokens", container.TokenCount),
		zap.Bool("mirrored", result.Mirrored))
	o.publish(EventBackupCompleted, "", "", BackupCompletedPayload{
		BackupID: result.BackupID,
		Size:     result.Size,
		Path:     path,
		Mirrored: result.Mirrored,
		Pruned:   result.Pruned,
	})
	return result
}

func (o *Orchestrator) collectSnapshot(now time.Time) (*backupSnapshot, error) {
	snapshot := &backupSnapshot{FormatVersion: backupFormatVersion, CreatedAt: now}
	if active, ok := o.keys.ActiveKey(); ok {
		snapshot.ActiveKeyID = active.KeyID
	}

	keyIDs, err := o.store.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	for _, id := range keyIDs {
		vd, err := o.store.LoadKeyMetadata(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read key metadata %s: %w", id, err)
		}
		blob, err := o.store.LoadKeyBlob(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read wrapped key %s: %w", id, err)
		}
		snapshot.Keys = append(snapshot.Keys, keySnapshot{KeyID: id, Metadata: vd.Data, WrappedKey: blob})
	}

	tokenIDs, err := o.store.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	for _, id := range tokenIDs {
		vd, err := o.store.LoadTokenMetadata(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read token metadata %s: %w", id, err)
		}
		rec, err := o.store.LoadTokenRecord(id)
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			return nil, fmt.Errorf("failed to read record %s: %w", id, err)
		}
		snapshot.Tokens = append(snapshot.Tokens, tokenSnapshot{TokenID: id, Metadata: vd.Data, Record: rec})
	}
	return snapshot, nil
}

// pruneBackups deletes local backups beyond the retention count, newest kept,
// together with their mirrored copies.
func (o *Orchestrator) pruneBackups(ctx context.Context) int {
	retain := o.opts.Backup.Retain
	if retain <= 0 {
		return 0
	}
	backups, err := o.store.ListBackups()
	if err != nil {
		o.log.Warn("failed to list backups for pruning", zap.Error(err))
		return 0
	}
	if len(backups) <= retain {
		return 0
	}

	pruned := 0
	for _, info := range backups[retain:] {
		if err = o.store.DeleteBackup(info.BackupID); err != nil {
			o.log.Warn("failed to prune backup", zap.String("backup_id", info.BackupID), zap.Error(err))
			continue
		}
		if o.mirror != nil {
			if err = o.mirror.Remove(ctx, info.BackupID); err != nil {
				o.log.Warn("failed to prune mirrored backup", zap.String("backup_id", info.BackupID), zap.Error(err))
			}
		}
		pruned++
	}
	return pruned
}

// ListBackups returns the local backups, newest first.
func (o *Orchestrator) ListBackups() ([]persist.BackupInfo, error) {
	return o.store.ListBackups()
}

// BackupVerification is the result of opening a backup artifact.
type BackupVerification struct {
	BackupID   string    `json:"backup_id"`
	Valid      bool      `json:"valid"`
	KeyCount   int       `json:"key_count"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
	Error      string    `json:"error,omitempty"`
}

// VerifyBackup checks the artifact checksum, opens the payload with the backup
// passphrase and checks that every entry decodes and matches the counts in the
// container. Records are not decrypted.
func (o *Orchestrator) VerifyBackup(backupID string) (BackupVerification, error) {
	v := BackupVerification{BackupID: backupID}

	snapshot, err := o.openBackup("verify_backup", backupID)
	if err != nil {
		v.Error = err.Error()
		return v, err
	}

	v.Valid = true
	v.KeyCount = len(snapshot.Keys)
	v.TokenCount = len(snapshot.Tokens)
	v.CreatedAt = snapshot.CreatedAt
	return v, nil
}

// openBackup loads backupID, checks it and returns the decoded snapshot. A
// missing backup is ErrBackupFailed, anything that does not check out is
// ErrIntegrityVerificationFailed.
func (o *Orchestrator) openBackup(op, backupID string) (*backupSnapshot, error) {
	invalid := func(err error) (*backupSnapshot, error) {
		return nil, newError(ErrIntegrityVerificationFailed, op, backupID, err)
	}

	container, err := o.store.LoadBackup(backupID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, newError(ErrBackupFailed, op, backupID, err)
		}
		return invalid(err)
	}

	payload, err := base64.StdEncoding.DecodeString(container.Payload)
	if err != nil {
		return invalid(err)
	}
	if sum := backup.Checksum(payload); sum != container.Checksum {
		return invalid(fmt.Errorf("checksum mismatch: expected %s, got %s", container.Checksum, sum))
	}

	var snapshot backupSnapshot
	if err = backup.Unpack(payload, container.EncryptionMethod, o.opts.Backup.Passphrase, &snapshot); err != nil {
		return invalid(err)
	}
	if snapshot.FormatVersion != container.FormatVersion {
		return invalid(fmt.Errorf("format version %q does not match container %q", snapshot.FormatVersion, container.FormatVersion))
	}
	if len(snapshot.Keys) != container.KeyCount || len(snapshot.Tokens) != container.TokenCount {
		return invalid(fmt.Errorf("snapshot holds %d keys and %d tokens, container claims %d and %d",
			len(snapshot.Keys), len(snapshot.Tokens), container.KeyCount, container.TokenCount))
	}
	for _, k := range snapshot.Keys {
		var meta KeyMetadata
		if err = json.Unmarshal(k.Metadata, &meta); err != nil || meta.KeyID != k.KeyID || len(k.WrappedKey) == 0 {
			return invalid(fmt.Errorf("key %s is malformed", k.KeyID))
		}
	}
	for _, t := range snapshot.Tokens {
		var meta TokenMetadata
		if err = json.Unmarshal(t.Metadata, &meta); err != nil || meta.ID != t.TokenID {
			return invalid(fmt.Errorf("token %s is malformed", t.TokenID))
		}
		if len(t.Record) == 0 {
			continue
		}
		var rec EncryptedTokenRecord
		if err = json.Unmarshal(t.Record, &rec); err != nil {
			return invalid(fmt.Errorf("record %s is malformed: %w", t.TokenID, err))
		}
		if err = validateRecordStructure(&rec); err != nil {
			return invalid(fmt.Errorf("record %s: %w", t.TokenID, err))
		}
	}
	return &snapshot, nil
}
