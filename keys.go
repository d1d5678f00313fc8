package tokenvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/internal/misc"
	"southwinds.dev/tokenvault/persist"
)

// KeyManager owns the master key chain: generation, passphrase unwrapping,
// rotation, revocation and deletion. Unwrapped keys are cached in memguard
// enclaves and only opened for the duration of a single cryptographic call.
type KeyManager struct {
	store  persist.Store
	policy KeyPolicy
	log    *zap.Logger
	now    func() time.Time
	bus    *EventBus

	mu          sync.RWMutex
	enclaves    map[string]*memguard.Enclave
	metadata    map[string]KeyMetadata
	versions    map[string]string // store version of each metadata file
	activeKeyID string
}

// NewKeyManager loads the metadata of every persisted key. No key material is
// unwrapped until LoadMasterKey is called.
func NewKeyManager(store persist.Store, policy KeyPolicy, opts ...Option) (*KeyManager, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if policy.Derivation.Algorithm == "" {
		policy.Derivation = crypto.DefaultParams()
	}
	if err := policy.Derivation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key derivation policy: %w", err)
	}

	s := applyOptions(opts)
	km := &KeyManager{
		store:    store,
		policy:   policy,
		log:      s.logger.With(zap.String("module", "keys")),
		now:      s.now,
		bus:      s.bus,
		enclaves: make(map[string]*memguard.Enclave),
		metadata: make(map[string]KeyMetadata),
		versions: make(map[string]string),
	}

	if err := km.loadMetadata(); err != nil {
		return nil, err
	}
	return km, nil
}

// Reload forgets every key, cached ones included, and reads the metadata
// back from the store. Keys must be unlocked again afterwards.
func (km *KeyManager) Reload() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.metadata = make(map[string]KeyMetadata)
	km.versions = make(map[string]string)
	km.enclaves = make(map[string]*memguard.Enclave)
	km.activeKeyID = ""
	return km.loadMetadata()
}

func (km *KeyManager) loadMetadata() error {
	ids, err := km.store.ListKeys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	for _, id := range ids {
		vd, err := km.store.LoadKeyMetadata(id)
		if err != nil {
			return fmt.Errorf("failed to load key metadata %s: %w", id, err)
		}
		var meta KeyMetadata
		if err = json.Unmarshal(vd.Data, &meta); err != nil {
			return fmt.Errorf("failed to parse key metadata %s: %w", id, err)
		}
		km.metadata[id] = meta
		km.versions[id] = vd.Version

		if meta.Status != KeyStatusActive {
			continue
		}
		if km.activeKeyID != "" {
			// keep the newest active key, the chain is repaired on the next rotation
			km.log.Warn("multiple active keys found",
				zap.String("key_id", km.activeKeyID), zap.String("other_key_id", id))
			if meta.Version <= km.metadata[km.activeKeyID].Version {
				continue
			}
		}
		km.activeKeyID = id
	}
	return nil
}

// GenerateMasterKey creates a new random master key, wraps it with a key derived
// from passphrase and persists both the wrapped key and its metadata.
//
// Parameters:
//   - passphrase: at least KeyPolicy.MinPassphraseLength characters.
//   - params: derivation parameters; nil uses KeyPolicy.Derivation. A fresh salt
//     is always generated.
//
// Returns the key id, an open locked buffer with the raw key (the caller must
// Destroy it) and the persisted metadata. The new key is active and has
// version 1.
//
// At most one key is active, so an existing active key is never replaced or
// deprecated here. The caller decides whether to rotate instead.
//
// Error Conditions:
//   - ErrActiveKeyExists when the chain already has an active key; use RotateKey.
//   - validation errors for a short passphrase or invalid parameters.
//   - store errors when the key cannot be persisted.
func (km *KeyManager) GenerateMasterKey(passphrase string, params *DerivationParams) (string, *memguard.LockedBuffer, KeyMetadata, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.activeKeyID != "" {
		return "", nil, KeyMetadata{}, newError(ErrActiveKeyExists, "generate_master_key", km.activeKeyID, nil)
	}

	derivation := km.policy.Derivation
	if params != nil {
		derivation = *params
	}

	meta, enclave, err := km.createKeyLocked(passphrase, derivation, 1, "")
	if err != nil {
		return "", nil, KeyMetadata{}, err
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", nil, KeyMetadata{}, fmt.Errorf("failed to open key enclave: %w", err)
	}

	km.publish(EventKeyGenerated, meta.KeyID, KeyPayload{Version: meta.Version})
	return meta.KeyID, buf, meta, nil
}

// createKeyLocked generates, wraps, persists and caches a new active key.
// Must be called with km.mu held.
func (km *KeyManager) createKeyLocked(passphrase string, derivation DerivationParams, version int, derivedFrom string) (KeyMetadata, *memguard.Enclave, error) {
	if err := km.validatePassphrase(passphrase); err != nil {
		return KeyMetadata{}, nil, err
	}

	derivation, err := derivation.WithFreshSalt()
	if err != nil {
		return KeyMetadata{}, nil, err
	}
	wrappingKey, err := crypto.DeriveKey([]byte(passphrase), derivation)
	if err != nil {
		return KeyMetadata{}, nil, newError(ErrKeyDerivationFailure, "generate_master_key", "", err)
	}
	defer wrappingKey.Destroy()

	master, err := crypto.RandomBytes(misc.KeySize)
	if err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	for crypto.IsWeakKey(master) {
		if master, err = crypto.RandomBytes(misc.KeySize); err != nil {
			return KeyMetadata{}, nil, fmt.Errorf("failed to generate master key: %w", err)
		}
	}

	keyID := generateKeyID()
	if _, exists := km.metadata[keyID]; exists {
		memguard.WipeBytes(master)
		return KeyMetadata{}, nil, fmt.Errorf("duplicate key ID generated: %s", keyID)
	}

	blob, err := crypto.WrapKey(master, wrappingKey.Bytes(), []byte(keyID))
	if err != nil {
		memguard.WipeBytes(master)
		return KeyMetadata{}, nil, fmt.Errorf("failed to wrap master key: %w", err)
	}
	// NewEnclave wipes master
	enclave := memguard.NewEnclave(master)

	now := km.now().UTC()
	meta := KeyMetadata{
		KeyID:       keyID,
		Version:     version,
		Derivation:  derivation,
		CreatedAt:   now,
		LastUsed:    now,
		Status:      KeyStatusActive,
		DerivedFrom: derivedFrom,
	}

	if err = km.store.SaveKeyBlob(keyID, blob); err != nil {
		return KeyMetadata{}, nil, fmt.Errorf("failed to save wrapped key: %w", err)
	}
	if err = km.saveMetadataLocked(meta); err != nil {
		_ = km.store.DeleteKey(keyID, 0)
		return KeyMetadata{}, nil, err
	}

	km.enclaves[keyID] = enclave
	km.activeKeyID = keyID

	km.log.Info("master key created",
		zap.String("key_id", keyID),
		zap.Int("version", version),
		zap.String("kdf", string(derivation.Algorithm)))
	return meta, enclave, nil
}

// LoadMasterKey unwraps a persisted key with passphrase and caches it.
//
// A wrong passphrase and a corrupted blob both produce ErrKeyDerivationFailure;
// the error never says which. Missing metadata or blob produce ErrKeyNotFound.
// The caller must Destroy the returned buffer.
func (km *KeyManager) LoadMasterKey(keyID, passphrase string) (*memguard.LockedBuffer, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	enclave, err := km.loadLocked(keyID, passphrase)
	if err != nil {
		return nil, err
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	return buf, nil
}

// Unlock is LoadMasterKey without returning the key material.
func (km *KeyManager) Unlock(keyID, passphrase string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	_, err := km.loadLocked(keyID, passphrase)
	return err
}

func (km *KeyManager) loadLocked(keyID, passphrase string) (*memguard.Enclave, error) {
	const op = "load_master_key"

	meta, ok := km.metadata[keyID]
	if !ok {
		// the key may have been written by another process
		vd, err := km.store.LoadKeyMetadata(keyID)
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) {
				return nil, newError(ErrKeyNotFound, op, keyID, nil)
			}
			return nil, newError(ErrKeyNotFound, op, keyID, err)
		}
		if err = json.Unmarshal(vd.Data, &meta); err != nil {
			return nil, newError(ErrKeyDerivationFailure, op, keyID, nil)
		}
		km.metadata[keyID] = meta
		km.versions[keyID] = vd.Version
	}

	blob, err := km.store.LoadKeyBlob(keyID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, newError(ErrKeyNotFound, op, keyID, nil)
		}
		return nil, newError(ErrKeyNotFound, op, keyID, err)
	}

	wrappingKey, err := crypto.DeriveKey([]byte(passphrase), meta.Derivation)
	if err != nil {
		return nil, newError(ErrKeyDerivationFailure, op, keyID, nil)
	}
	defer wrappingKey.Destroy()

	master, err := crypto.UnwrapKey(blob, wrappingKey.Bytes(), []byte(keyID))
	if err != nil {
		km.log.Warn("master key unwrap failed", zap.String("key_id", keyID))
		return nil, newError(ErrKeyDerivationFailure, op, keyID, nil)
	}
	enclave := memguard.NewEnclave(master)
	km.enclaves[keyID] = enclave

	meta.LastUsed = km.now().UTC()
	if err = km.saveMetadataLocked(meta); err != nil {
		km.log.Warn("failed to persist key last-used time", zap.String("key_id", keyID), zap.Error(err))
	}

	km.log.Debug("master key loaded", zap.String("key_id", keyID), zap.Int("version", meta.Version))
	return enclave, nil
}

// RotateKey creates the successor of oldKeyID. The old key's passphrase is
// verified by unwrapping it; newPassphrase may be empty to keep the old one.
// The new key reuses the old key's derivation shape with a fresh salt, gets
// Version = old.Version+1 and DerivedFrom = oldKeyID, and becomes active; the
// old key becomes deprecated and stays loadable for existing records.
func (km *KeyManager) RotateKey(oldKeyID, oldPassphrase, newPassphrase string) (string, *memguard.LockedBuffer, KeyMetadata, error) {
	const op = "rotate_key"

	km.mu.Lock()
	defer km.mu.Unlock()

	// verify the current chain head
	if _, err := km.loadLocked(oldKeyID, oldPassphrase); err != nil {
		return "", nil, KeyMetadata{}, err
	}
	old := km.metadata[oldKeyID]
	if old.Status != KeyStatusActive {
		return "", nil, KeyMetadata{}, newError(ErrRotationFailed, op, oldKeyID,
			fmt.Errorf("key is %s, only the active key can be rotated", old.Status))
	}

	if newPassphrase == "" {
		newPassphrase = oldPassphrase
	}

	// new chain head
	derivation := old.Derivation
	derivation.Salt = nil
	meta, enclave, err := km.createKeyLocked(newPassphrase, derivation, old.Version+1, oldKeyID)
	if err != nil {
		return "", nil, KeyMetadata{}, newError(ErrRotationFailed, op, oldKeyID, err)
	}

	// retire the previous head
	now := km.now().UTC()
	old.Status = KeyStatusDeprecated
	old.DeprecatedAt = &now
	if err = km.saveMetadataLocked(old); err != nil {
		km.log.Error("failed to deprecate rotated key, discarding successor",
			zap.String("key_id", oldKeyID), zap.String("new_key_id", meta.KeyID), zap.Error(err))
		_ = km.store.DeleteKey(meta.KeyID, 0)
		delete(km.enclaves, meta.KeyID)
		delete(km.metadata, meta.KeyID)
		delete(km.versions, meta.KeyID)
		km.activeKeyID = oldKeyID
		return "", nil, KeyMetadata{}, newError(ErrRotationFailed, op, oldKeyID, err)
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", nil, KeyMetadata{}, fmt.Errorf("failed to open key enclave: %w", err)
	}

	km.log.Info("master key rotated",
		zap.String("old_key_id", oldKeyID), zap.String("new_key_id", meta.KeyID), zap.Int("version", meta.Version))
	km.publish(EventKeyRotated, meta.KeyID, KeyPayload{Version: meta.Version, DerivedFrom: oldKeyID})
	return meta.KeyID, buf, meta, nil
}

// RevokeKey marks a key revoked. Its files are kept so records sealed under it
// can still be read; if it was active the chain is left without an active key.
func (km *KeyManager) RevokeKey(keyID, reason string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	meta, ok := km.metadata[keyID]
	if !ok {
		return newError(ErrKeyNotFound, "revoke_key", keyID, nil)
	}
	if meta.Status == KeyStatusRevoked {
		return nil
	}

	now := km.now().UTC()
	meta.Status = KeyStatusRevoked
	meta.RevokedAt = &now
	meta.Reason = reason
	if err := km.saveMetadataLocked(meta); err != nil {
		return err
	}
	if km.activeKeyID == keyID {
		km.activeKeyID = ""
	}

	km.log.Warn("master key revoked", zap.String("key_id", keyID), zap.String("reason", reason))
	km.publish(EventKeyRevoked, keyID, KeyPayload{Version: meta.Version, Reason: reason})
	return nil
}

// DeleteKey removes a non-active key from disk and memory. The wrapped key file
// is overwritten secureOverwritePasses times first.
func (km *KeyManager) DeleteKey(keyID string, secureOverwritePasses int) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	meta, ok := km.metadata[keyID]
	if !ok {
		return newError(ErrKeyNotFound, "delete_key", keyID, nil)
	}
	if keyID == km.activeKeyID {
		return fmt.Errorf("cannot delete active key %s, rotate or revoke it first", keyID)
	}

	if err := km.store.DeleteKey(keyID, secureOverwritePasses); err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", keyID, err)
	}
	delete(km.enclaves, keyID)
	delete(km.metadata, keyID)
	delete(km.versions, keyID)

	km.log.Info("master key deleted", zap.String("key_id", keyID), zap.Int("overwrite_passes", secureOverwritePasses))
	km.publish(EventKeyDeleted, keyID, KeyPayload{Version: meta.Version})
	return nil
}

// WithKey opens the cached key for the duration of fn. fn must not retain key.
func (km *KeyManager) WithKey(keyID string, fn func(key []byte, version int) error) error {
	km.mu.RLock()
	enclave, ok := km.enclaves[keyID]
	meta, known := km.metadata[keyID]
	km.mu.RUnlock()

	if !known {
		return newError(ErrKeyNotFound, "open_key", keyID, nil)
	}
	if !ok {
		return newError(ErrNotReady, "open_key", keyID, nil)
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes(), meta.Version)
}

// ActiveKey returns the metadata of the active key.
func (km *KeyManager) ActiveKey() (KeyMetadata, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.activeKeyID == "" {
		return KeyMetadata{}, false
	}
	return km.metadata[km.activeKeyID], true
}

func (km *KeyManager) KeyMetadata(keyID string) (KeyMetadata, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	meta, ok := km.metadata[keyID]
	if !ok {
		return KeyMetadata{}, newError(ErrKeyNotFound, "key_metadata", keyID, nil)
	}
	return meta, nil
}

// ListKeys returns all keys ordered by version, then creation time.
func (km *KeyManager) ListKeys() []KeyMetadata {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keys := make([]KeyMetadata, 0, len(km.metadata))
	for _, meta := range km.metadata {
		keys = append(keys, meta)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Version != keys[j].Version {
			return keys[i].Version < keys[j].Version
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys
}

// IsLoaded reports whether the key is unwrapped in memory.
func (km *KeyManager) IsLoaded(keyID string) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.enclaves[keyID]
	return ok
}

// Wipe drops every cached key. Metadata stays, keys must be loaded again.
//
// Enclaves hold memguard ciphertext, and the map is replaced so none stays
// reachable from the manager. Options.PurgeOnShutdown additionally rekeys the
// memguard session, which makes any copy left on the heap undecryptable.
func (km *KeyManager) Wipe() {
	km.mu.Lock()
	defer km.mu.Unlock()

	n := len(km.enclaves)
	for id := range km.enclaves {
		km.enclaves[id] = nil
		delete(km.enclaves, id)
	}
	km.enclaves = make(map[string]*memguard.Enclave)
	km.log.Debug("key cache wiped", zap.Int("keys", n))
}

func (km *KeyManager) validatePassphrase(passphrase string) error {
	minLength := km.policy.MinPassphraseLength
	if minLength <= 0 {
		minLength = 12
	}
	if len(passphrase) < minLength {
		return fmt.Errorf("passphrase must be at least %d characters long", minLength)
	}
	return nil
}

// saveMetadataLocked persists meta with optimistic concurrency on the stored version.
func (km *KeyManager) saveMetadataLocked(meta KeyMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key metadata: %w", err)
	}
	version, err := km.store.SaveKeyMetadata(meta.KeyID, data, km.versions[meta.KeyID])
	if err != nil {
		return fmt.Errorf("failed to save key metadata %s: %w", meta.KeyID, err)
	}
	km.metadata[meta.KeyID] = meta
	km.versions[meta.KeyID] = version
	return nil
}

func (km *KeyManager) publish(t EventType, keyID string, payload KeyPayload) {
	if km.bus == nil {
		return
	}
	km.bus.Publish(Event{Type: t, Source: "keys", KeyID: keyID, Payload: payload})
}
