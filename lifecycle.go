package tokenvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/persist"
)

// LifecycleManager owns token metadata and its state machine. Records are
// sealed through SecureTokenStorage under the active key; metadata is kept in
// memory and written through to the store on every change.
//
// Stored status only ever moves from active to revoked or rotated. Expiry is
// derived from the clock when a token is read.
type LifecycleManager struct {
	store   persist.Store
	keys    *KeyManager
	storage *SecureTokenStorage
	bus     *EventBus
	policy  LifecyclePolicy
	log     *zap.Logger
	now     func() time.Time

	locks *idLocks

	mu     sync.RWMutex
	tokens map[string]*tokenEntry
}

type tokenEntry struct {
	meta    TokenMetadata
	version string
}

// NewLifecycleManager creates a manager and loads every persisted token.
func NewLifecycleManager(store persist.Store, keys *KeyManager, storage *SecureTokenStorage, policy LifecyclePolicy, opts ...Option) (*LifecycleManager, error) {
	if store == nil || keys == nil || storage == nil {
		return nil, errors.New("store, key manager and storage are required")
	}
	if policy.DefaultLifetime <= 0 {
		policy.DefaultLifetime = DefaultLifecyclePolicy().DefaultLifetime
	}
	if policy.ExpirationBuffer < 0 {
		return nil, errors.New("expiration buffer cannot be negative")
	}

	s := applyOptions(opts)
	bus := s.bus
	if bus == nil {
		bus = NewEventBus(opts...)
	}

	lm := &LifecycleManager{
		store:   store,
		keys:    keys,
		storage: storage,
		bus:     bus,
		policy:  policy,
		log:     s.logger.With(zap.String("module", "lifecycle")),
		now:     s.now,
		locks:   newIDLocks(),
		tokens:  make(map[string]*tokenEntry),
	}

	if err := lm.LoadFromStore(); err != nil {
		return nil, err
	}
	return lm, nil
}

// Events returns the bus lifecycle events are published on.
func (lm *LifecycleManager) Events() *EventBus {
	return lm.bus
}

// LoadFromStore rebuilds the in-memory index from persisted metadata. Entries
// that cannot be parsed are skipped and reported in the returned error; the
// rest are loaded.
func (lm *LifecycleManager) LoadFromStore() error {
	ids, err := lm.store.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	loaded := make(map[string]*tokenEntry, len(ids))
	var errs []error
	for _, id := range ids {
		vd, err := lm.store.LoadTokenMetadata(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", id, err))
			continue
		}
		var meta TokenMetadata
		if err = json.Unmarshal(vd.Data, &meta); err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", id, err))
			continue
		}
		loaded[id] = &tokenEntry{meta: meta, version: vd.Version}
	}

	lm.mu.Lock()
	lm.tokens = loaded
	lm.mu.Unlock()

	lm.log.Info("token index loaded", zap.Int("tokens", len(loaded)), zap.Int("errors", len(errs)))
	if len(errs) > 0 {
		return fmt.Errorf("failed to load %d token(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// CreateToken seals cred under the active key and starts tracking it.
//
// A non-positive LifetimeSeconds is replaced with LifecyclePolicy.DefaultLifetime
// before sealing, so the stored credential and ExpiresAt agree.
func (lm *LifecycleManager) CreateToken(cred Credential, binding *Binding, tags []string) (string, TokenMetadata, error) {
	const op = "create_token"

	clean, err := validateAndSanitizeTags(tags)
	if err != nil {
		return "", TokenMetadata{}, newError(ErrStructureValidationFailed, op, "", err)
	}

	id := newTokenID()
	unlock := lm.locks.lock(id)
	defer unlock()

	meta, err := lm.createLocked(op, id, cred, binding, clean, "", 0)
	if err != nil {
		return "", TokenMetadata{}, err
	}
	return id, meta, nil
}

func (lm *LifecycleManager) createLocked(op, id string, cred Credential, binding *Binding, tags []string, rotatedFrom string, rotationCount int) (TokenMetadata, error) {
	if cred.LifetimeSeconds <= 0 {
		cred.LifetimeSeconds = int64(lm.policy.DefaultLifetime / time.Second)
	}
	if err := validateCredential(cred); err != nil {
		return TokenMetadata{}, newError(ErrStructureValidationFailed, op, id, err)
	}

	active, ok := lm.keys.ActiveKey()
	if !ok {
		return TokenMetadata{}, newError(ErrNotReady, op, id, errors.New("no active key"))
	}

	rec, err := lm.storage.EncryptToken(id, cred, active.KeyID, active.Version)
	if err != nil {
		return TokenMetadata{}, err
	}
	if err = lm.saveRecord(rec); err != nil {
		return TokenMetadata{}, err
	}

	now := lm.now().UTC()
	meta := TokenMetadata{
		ID:            id,
		KeyID:         active.KeyID,
		KeyVersion:    active.Version,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(cred.LifetimeSeconds) * time.Second),
		Status:        TokenStatusActive,
		RotationCount: rotationCount,
		Tags:          tags,
		RotatedFrom:   rotatedFrom,
	}
	if binding != nil {
		b := *binding
		meta.Binding = &b
	}

	entry := &tokenEntry{}
	if err = lm.saveMetadata(entry, meta); err != nil {
		if derr := lm.store.DeleteToken(id); derr != nil {
			lm.log.Warn("failed to remove orphaned record", zap.String("token_id", id), zap.Error(derr))
		}
		return TokenMetadata{}, err
	}

	lm.mu.Lock()
	lm.tokens[id] = entry
	lm.mu.Unlock()

	lm.log.Info("token created",
		zap.String("token_id", id), zap.String("key_id", active.KeyID), zap.Time("expires_at", meta.ExpiresAt))
	lm.publish(EventCreated, id, CreatedPayload{
		KeyVersion: meta.KeyVersion,
		ExpiresAt:  meta.ExpiresAt,
		Tags:       meta.Tags,
		Bound:      meta.Binding != nil,
	})
	return meta.clone(), nil
}

// GetToken validates the token and, when it is usable, returns the decrypted
// credential. The record is opened with the key it was sealed under, which
// may be a deprecated key after a key rotation.
//
// Error Conditions:
//   - ErrTokenNotFound: unknown id.
//   - ErrBindingMismatch: a supplied binding field differs from the stored one.
//   - ErrTokenInvalid: revoked, rotated, expired or too old; Warnings lists why.
//   - decryption errors from SecureTokenStorage.
//
// When rotation is due a Warning event with code rotation_recommended is
// published and ValidationResult.RotationDue is set. No rotation happens here.
func (lm *LifecycleManager) GetToken(id string, binding *Binding) (Credential, ValidationResult, error) {
	const op = "get_token"

	res, cred, err := lm.validate(id, binding, true)
	if err != nil {
		return Credential{}, res, err
	}
	if !res.Valid {
		e := newError(validationErrorKind(res), op, id, nil)
		e.Warnings = res.Warnings
		return Credential{}, res, e
	}

	if res.RotationDue {
		lm.publish(EventWarning, id, WarningPayload{Code: WarningRotationRecommended, Message: res.RotationReason})
	}
	return cred, res, nil
}

// peekCredential decrypts the stored record without touching usage counters.
func (lm *LifecycleManager) peekCredential(id string) (Credential, error) {
	rec, err := lm.loadRecord(id)
	if err != nil {
		return Credential{}, err
	}
	return lm.storage.DecryptToken(rec)
}

// RotateToken replaces id with a new token carrying newCred. The new token
// inherits binding and tags, gets a rotated-from provenance tag and
// RotationCount+1; the old one is marked rotated.
//
// Only tokens whose stored status is active can be rotated. Expired tokens are
// allowed, that is the common case for a refresh.
func (lm *LifecycleManager) RotateToken(id string, newCred Credential, reason string) (string, string, TokenMetadata, error) {
	const op = "rotate_token"

	unlock := lm.locks.lock(id)
	defer unlock()

	entry, ok := lm.entry(id)
	if !ok {
		return "", "", TokenMetadata{}, newError(ErrTokenNotFound, op, id, nil)
	}
	old := entry.meta.clone()
	if old.Status != TokenStatusActive {
		return "", "", TokenMetadata{}, newError(ErrRotationFailed, op, id,
			fmt.Errorf("%w: token is %s", ErrTokenInvalid, old.Status))
	}

	newID := newTokenID()
	unlockNew := lm.locks.lock(newID)
	defer unlockNew()

	newMeta, err := lm.createLocked(op, newID, newCred, old.Binding, withProvenance(old.Tags, id), id, old.RotationCount+1)
	if err != nil {
		return "", "", TokenMetadata{}, newError(ErrRotationFailed, op, id, err)
	}

	updated := old.clone()
	updated.Status = TokenStatusRotated
	updated.TerminalAt = timePtr(lm.now().UTC())
	updated.RotatedTo = newID
	updated.Reason = reason
	if err = lm.saveMetadata(entry, updated); err != nil {
		lm.discard(newID)
		return "", "", TokenMetadata{}, newError(ErrRotationFailed, op, id, err)
	}

	lm.log.Info("token rotated", zap.String("old_token_id", id), zap.String("new_token_id", newID), zap.String("reason", reason))
	lm.publish(EventRotated, newID, RotatedPayload{
		OldTokenID:    id,
		NewTokenID:    newID,
		Reason:        reason,
		RotationCount: newMeta.RotationCount,
	})
	return newID, id, newMeta, nil
}

// discard removes a token that was created as part of a failed operation.
func (lm *LifecycleManager) discard(id string) {
	if err := lm.store.DeleteToken(id); err != nil {
		lm.log.Warn("failed to discard token", zap.String("token_id", id), zap.Error(err))
	}
	lm.mu.Lock()
	delete(lm.tokens, id)
	lm.mu.Unlock()
}

// RevokeToken marks id revoked. Revoking a revoked token is a no-op; a
// rotated token cannot be revoked.
func (lm *LifecycleManager) RevokeToken(id, reason string) error {
	const op = "revoke_token"

	unlock := lm.locks.lock(id)
	defer unlock()

	entry, ok := lm.entry(id)
	if !ok {
		return newError(ErrTokenNotFound, op, id, nil)
	}
	switch entry.meta.Status {
	case TokenStatusRevoked:
		return nil
	case TokenStatusRotated:
		return newError(ErrTokenInvalid, op, id, errors.New("token has been rotated"))
	}

	updated := entry.meta.clone()
	updated.Status = TokenStatusRevoked
	updated.TerminalAt = timePtr(lm.now().UTC())
	updated.Reason = reason
	if err := lm.saveMetadata(entry, updated); err != nil {
		return err
	}

	lm.log.Info("token revoked", zap.String("token_id", id), zap.String("reason", reason))
	lm.publish(EventRevoked, id, RevokedPayload{Reason: reason})
	return nil
}

// RevokeAll revokes every token whose stored status is active and returns how
// many were revoked. Failures are aggregated; the sweep always completes.
func (lm *LifecycleManager) RevokeAll(reason string) (int, error) {
	var (
		revoked int
		errs    []error
	)
	for _, id := range lm.liveTokenIDs() {
		if err := lm.RevokeToken(id, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		revoked++
	}
	return revoked, errors.Join(errs...)
}

// RenewToken moves the expiry of an active token to newExpiresAt, which must
// lie in the future.
func (lm *LifecycleManager) RenewToken(id string, newExpiresAt time.Time) error {
	const op = "renew_token"

	unlock := lm.locks.lock(id)
	defer unlock()

	entry, ok := lm.entry(id)
	if !ok {
		return newError(ErrTokenNotFound, op, id, nil)
	}
	if entry.meta.Status != TokenStatusActive {
		return newError(ErrTokenInvalid, op, id, fmt.Errorf("token is %s", entry.meta.Status))
	}
	if !newExpiresAt.After(lm.now()) {
		return newError(ErrTokenInvalid, op, id, errors.New("new expiry must be in the future"))
	}

	updated := entry.meta.clone()
	previous := updated.ExpiresAt
	updated.ExpiresAt = newExpiresAt.UTC()
	if err := lm.saveMetadata(entry, updated); err != nil {
		return err
	}

	lm.log.Info("token renewed", zap.String("token_id", id), zap.Time("expires_at", updated.ExpiresAt))
	lm.publish(EventRenewed, id, RenewedPayload{PreviousExpiresAt: previous, ExpiresAt: updated.ExpiresAt})
	return nil
}

// MigrateRecords re-seals every active token held under oldKeyID with
// newKeyID. Either every record moves or none does.
func (lm *LifecycleManager) MigrateRecords(oldKeyID, newKeyID, oldPassphrase, newPassphrase string) (int, error) {
	ids := make([]string, 0)
	for _, meta := range lm.ListTokens() {
		if meta.Status == TokenStatusActive && meta.KeyID == oldKeyID {
			ids = append(ids, meta.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// lock in sorted order so concurrent migrations cannot deadlock
	sort.Strings(ids)
	for _, id := range ids {
		unlock := lm.locks.lock(id)
		defer unlock()
	}

	records := make([]*EncryptedTokenRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := lm.loadRecord(id)
		if err != nil {
			return 0, newError(ErrRotationFailed, "migrate_records", id, err)
		}
		records = append(records, rec)
	}

	sealed, err := lm.keys.ReencryptTokens(oldKeyID, newKeyID, oldPassphrase, newPassphrase, records)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, rec := range sealed {
		entry, ok := lm.entry(rec.TokenID)
		if !ok {
			continue
		}
		if err = lm.saveRecord(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		updated := entry.meta.clone()
		updated.KeyID = rec.KeyID
		updated.KeyVersion = rec.KeyVersion
		if err = lm.saveMetadata(entry, updated); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return 0, newError(ErrRotationFailed, "migrate_records", "", errors.Join(errs...))
	}

	lm.log.Info("records migrated", zap.String("old_key_id", oldKeyID), zap.String("new_key_id", newKeyID), zap.Int("count", len(sealed)))
	return len(sealed), nil
}

// TokenMetadata returns a copy of the metadata for id.
func (lm *LifecycleManager) TokenMetadata(id string) (TokenMetadata, error) {
	entry, ok := lm.entry(id)
	if !ok {
		return TokenMetadata{}, newError(ErrTokenNotFound, "token_metadata", id, nil)
	}
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return entry.meta.clone(), nil
}

// ListTokens returns copies of every tracked token, oldest first.
func (lm *LifecycleManager) ListTokens() []TokenMetadata {
	lm.mu.RLock()
	out := make([]TokenMetadata, 0, len(lm.tokens))
	for _, e := range lm.tokens {
		out = append(out, e.meta.clone())
	}
	lm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Records loads the encrypted record of every token whose stored status is
// active. Unreadable records are reported in the error and left out.
func (lm *LifecycleManager) Records() ([]*EncryptedTokenRecord, error) {
	ids := lm.liveTokenIDs()
	out := make([]*EncryptedTokenRecord, 0, len(ids))
	var errs []error
	for _, id := range ids {
		rec, err := lm.loadRecord(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

// VerifyToken authenticates the stored record of id without returning plaintext.
func (lm *LifecycleManager) VerifyToken(id string) error {
	rec, err := lm.loadRecord(id)
	if err != nil {
		return err
	}
	return lm.storage.VerifyRecord(rec)
}

func (lm *LifecycleManager) liveTokenIDs() []string {
	lm.mu.RLock()
	ids := make([]string, 0, len(lm.tokens))
	for id, e := range lm.tokens {
		if e.meta.Status == TokenStatusActive {
			ids = append(ids, id)
		}
	}
	lm.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (lm *LifecycleManager) entry(id string) (*tokenEntry, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	e, ok := lm.tokens[id]
	return e, ok
}

func (lm *LifecycleManager) loadRecord(id string) (*EncryptedTokenRecord, error) {
	data, err := lm.store.LoadTokenRecord(id)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, newError(ErrTokenNotFound, "load_record", id, err)
		}
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	var rec EncryptedTokenRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, newError(ErrStructureValidationFailed, "load_record", id, err)
	}
	if rec.TokenID != id {
		return nil, newError(ErrStructureValidationFailed, "load_record", id,
			fmt.Errorf("record belongs to token %q", rec.TokenID))
	}
	return &rec, nil
}

func (lm *LifecycleManager) saveRecord(rec *EncryptedTokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err = lm.store.SaveTokenRecord(rec.TokenID, data); err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.TokenID, err)
	}
	return nil
}

// saveMetadata writes meta against the entry's stored version and updates the
// entry on success. Callers hold the id lock.
func (lm *LifecycleManager) saveMetadata(entry *tokenEntry, meta TokenMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token metadata: %w", err)
	}
	version, err := lm.store.SaveTokenMetadata(meta.ID, data, entry.version)
	if err != nil {
		return fmt.Errorf("failed to save token metadata %s: %w", meta.ID, err)
	}

	lm.mu.Lock()
	entry.meta = meta
	entry.version = version
	lm.mu.Unlock()
	return nil
}

func (lm *LifecycleManager) publish(t EventType, tokenID string, payload any) {
	lm.bus.Publish(Event{Type: t, Source: "lifecycle", TokenID: tokenID, Payload: payload})
}

func newTokenID() string {
	return "tok-" + uuid.NewString()
}
