package tokenvault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/mem"
	"southwinds.dev/tokenvault/persist"
)

// Operation names reported in ErrorPayload.Op.
const (
	opInitialize = "initialize"
	opIntegrity  = "integrity_check"
	opBackup     = "backup"
	opRestore    = "restore_backup"
	opCleanup    = "cleanup"
	opRotation   = "rotation"
	opBreach     = "breach_response"
)

// CredentialRefresher obtains a fresh credential for a token that is being
// rotated, typically by running a refresh grant against the issuer.
type CredentialRefresher interface {
	Refresh(ctx context.Context, tokenID string, current Credential) (Credential, error)
}

// CredentialRefresherFunc adapts a function to CredentialRefresher.
type CredentialRefresherFunc func(ctx context.Context, tokenID string, current Credential) (Credential, error)

func (f CredentialRefresherFunc) Refresh(ctx context.Context, tokenID string, current Credential) (Credential, error) {
	return f(ctx, tokenID, current)
}

// BreachNotifier is called by the notify breach action.
type BreachNotifier func(BreachPayload)

// Orchestrator composes the key manager, record storage and lifecycle
// manager, and runs integrity checks, backups and cleanup on a schedule.
//
// All state is owned by the instance; several orchestrators over different
// stores can coexist in one process.
type Orchestrator struct {
	opts      Options
	store     persist.Store
	keys      *KeyManager
	storage   *SecureTokenStorage
	lifecycle *LifecycleManager
	bus       *EventBus
	metrics   *Metrics
	audit     audit.Logger
	mirror    persist.BackupMirror
	refresher CredentialRefresher
	notifier  BreachNotifier
	log       *zap.Logger
	now       func() time.Time

	componentOpts []Option

	mu            sync.RWMutex
	initialized   bool
	passphrase    *memguard.Enclave
	memProtection mem.ProtectionLevel
	memLocked     bool
	cron          *cron.Cron
	ownCron       bool
	cronEntries   []cron.EntryID
	schedules     []string
	unsubscribe   []func()

	// integrity state, guarded by integrityMu
	integrityMu         sync.Mutex
	consecutiveFailures int
	lastIntegrityCheck  time.Time
	lastIntegrityPassed bool
	breachDetected      bool

	// backup and cleanup state, guarded by mu
	lastBackup   time.Time
	lastBackupID string
	lastCleanup  time.Time

	backupMu sync.Mutex
}

// NewOrchestrator validates options and prepares the key manager. Nothing is
// unlocked and no schedule runs until Initialize.
func NewOrchestrator(store persist.Store, options Options, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	s := applyOptions(opts)
	bus := s.bus
	if bus == nil {
		bus = NewEventBus(opts...)
	}
	componentOpts := append(append([]Option{}, opts...), WithEventBus(bus))

	o := &Orchestrator{
		opts:          options,
		store:         store,
		bus:           bus,
		audit:         s.audit,
		mirror:        s.mirror,
		refresher:     s.refresher,
		notifier:      s.notifier,
		log:           s.logger.With(zap.String("module", "orchestrator")),
		now:           s.now,
		componentOpts: componentOpts,
		cron:          s.cron,
	}
	if o.audit == nil {
		o.audit = audit.NewNoOpLogger()
	}

	if s.registerer != nil {
		m, err := NewMetrics(s.registerer, s.namespace)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}

	keys, err := NewKeyManager(store, options.Keys, componentOpts...)
	if err != nil {
		return nil, err
	}
	o.keys = keys

	storage, err := NewSecureTokenStorage(keys, options.Algorithm, componentOpts...)
	if err != nil {
		return nil, err
	}
	o.storage = storage

	return o, nil
}

// Initialize unlocks or creates the master key, loads the token index,
// subscribes audit and metrics to the event bus and starts the enabled
// schedules. Calling it on an initialized orchestrator is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if o.opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			o.log.Warn("memory locking unavailable", zap.Error(err), zap.String("protection", level.String()))
		}
		o.memProtection = level
		o.memLocked = err == nil
	}

	pass, err := o.resolvePassphrase()
	if err != nil {
		return o.initFailed(err)
	}
	o.passphrase = memguard.NewEnclave(pass)

	generated, err := o.unlockKeys(string(pass))
	memguard.WipeBytes(pass)
	if err != nil {
		return o.initFailed(err)
	}

	lifecycle, err := NewLifecycleManager(o.store, o.keys, o.storage, o.opts.Lifecycle, o.componentOpts...)
	if err != nil {
		return o.initFailed(err)
	}
	o.lifecycle = lifecycle

	o.unsubscribe = append(o.unsubscribe, o.bus.Subscribe(o.auditEvent))
	if o.metrics != nil {
		o.unsubscribe = append(o.unsubscribe, o.bus.Subscribe(o.metrics.Observe))
		o.metrics.setActiveTokens(len(lifecycle.liveTokenIDs()))
	}

	if err = o.startSchedules(); err != nil {
		_ = o.stopSchedules(context.Background())
		return o.initFailed(err)
	}

	o.initialized = true

	active, _ := o.keys.ActiveKey()
	o.log.Info("orchestrator initialized",
		zap.String("active_key_id", active.KeyID),
		zap.Bool("generated_key", generated),
		zap.Int("tokens", len(lifecycle.ListTokens())),
		zap.Strings("schedules", o.schedules))
	o.publish(EventInitialized, "", active.KeyID, InitializedPayload{
		ActiveKeyID:      active.KeyID,
		GeneratedKey:     generated,
		Tokens:           len(lifecycle.ListTokens()),
		MemoryProtection: o.memProtection.String(),
		Schedules:        o.schedules,
	})
	return nil
}

func (o *Orchestrator) initFailed(err error) error {
	o.publish(EventError, "", "", ErrorPayload{Op: opInitialize, Error: err.Error()})
	o.keys.Wipe()
	o.passphrase = nil
	for _, u := range o.unsubscribe {
		u()
	}
	o.unsubscribe = nil
	if o.memLocked {
		_ = mem.Unlock()
		o.memLocked = false
	}
	return fmt.Errorf("failed to initialize: %w", err)
}

// resolvePassphrase returns the configured passphrase. A passphrase read from
// the environment is removed from it.
func (o *Orchestrator) resolvePassphrase() ([]byte, error) {
	if o.opts.Passphrase != "" {
		return []byte(o.opts.Passphrase), nil
	}
	value, ok := os.LookupEnv(o.opts.EnvPassphraseVar)
	if !ok || value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", o.opts.EnvPassphraseVar)
	}
	if err := os.Unsetenv(o.opts.EnvPassphraseVar); err != nil {
		o.log.Warn("failed to unset passphrase variable", zap.String("var", o.opts.EnvPassphraseVar), zap.Error(err))
	}
	return []byte(value), nil
}

// unlockKeys unlocks the active key, or generates the first one for an empty
// store. Older keys sharing the passphrase are unlocked as well so legacy
// records stay readable; the others need UnlockKey.
func (o *Orchestrator) unlockKeys(pass string) (bool, error) {
	active, ok := o.keys.ActiveKey()
	if !ok {
		if len(o.keys.ListKeys()) > 0 {
			return false, newError(ErrKeyNotFound, opInitialize, "", errors.New("store has keys but none is active"))
		}
		_, buf, _, err := o.keys.GenerateMasterKey(pass, nil)
		if err != nil {
			return false, err
		}
		buf.Destroy()
		return true, nil
	}

	if err := o.keys.Unlock(active.KeyID, pass); err != nil {
		return false, err
	}
	for _, meta := range o.keys.ListKeys() {
		if meta.KeyID == active.KeyID || o.keys.IsLoaded(meta.KeyID) {
			continue
		}
		if err := o.keys.Unlock(meta.KeyID, pass); err != nil {
			o.log.Debug("legacy key not unlocked with current passphrase", zap.String("key_id", meta.KeyID))
		}
	}
	return false, nil
}

// Shutdown stops the schedules, waiting for running jobs until ctx is done,
// then wipes key material and closes the audit log.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	o.mu.Unlock()

	// running jobs may still need the lock, so wait for them outside of it
	stopErr := o.stopSchedules(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, u := range o.unsubscribe {
		u()
	}
	o.unsubscribe = nil

	o.storage.WipeKey()
	o.passphrase = nil
	if o.opts.PurgeOnShutdown {
		memguard.Purge()
	}

	var memErr error
	if o.memLocked {
		memErr = mem.Unlock()
		o.memLocked = false
	}

	auditErr := o.audit.Close()
	o.log.Info("orchestrator shut down")
	return errors.Join(stopErr, memErr, auditErr)
}

// UnlockKey loads a key whose passphrase differs from the current one.
func (o *Orchestrator) UnlockKey(keyID, passphrase string) error {
	if _, err := o.ready(); err != nil {
		return err
	}
	return o.keys.Unlock(keyID, passphrase)
}

// CreateSecureToken seals cred under the active key.
func (o *Orchestrator) CreateSecureToken(cred Credential, binding *Binding, tags []string) (string, TokenMetadata, error) {
	lm, err := o.ready()
	if err != nil {
		return "", TokenMetadata{}, err
	}
	id, meta, err := lm.CreateToken(cred, binding, tags)
	if err == nil {
		o.refreshActiveGauge(lm)
	}
	return id, meta, err
}

// AutoRotationReport describes a rotation performed while serving GetSecureToken.
type AutoRotationReport struct {
	Success bool   `json:"success"`
	NewID   string `json:"new_id,omitempty"`
	OldID   string `json:"old_id"`
	Error   string `json:"error,omitempty"`
}

// SecureTokenResult is what GetSecureToken hands to the caller. TokenID is the
// id to use from now on; it differs from the requested id after a rotation.
type SecureTokenResult struct {
	TokenID    string              `json:"token_id"`
	Credential Credential          `json:"-"`
	Validation ValidationResult    `json:"validation"`
	Rotation   *AutoRotationReport `json:"rotation,omitempty"`
}

// GetSecureToken returns the credential for id. When rotation is due and
// AutoRotate is set, the token is rotated first and the credential is
// returned under its new id. The replacement credential comes from the
// CredentialRefresher; without one the current credential is sealed again
// under the new id.
//
// A failed auto-rotation is reported in Rotation and the still valid current
// credential is returned.
func (o *Orchestrator) GetSecureToken(ctx context.Context, id string, binding *Binding) (SecureTokenResult, error) {
	lm, err := o.ready()
	if err != nil {
		return SecureTokenResult{}, err
	}

	cred, res, err := lm.GetToken(id, binding)
	if err != nil {
		return SecureTokenResult{TokenID: id, Validation: res}, err
	}
	result := SecureTokenResult{TokenID: id, Credential: cred, Validation: res}
	if !res.RotationDue || !o.opts.AutoRotate {
		return result, nil
	}

	report := &AutoRotationReport{OldID: id}
	result.Rotation = report

	next, err := o.replacementCredential(ctx, id, cred)
	if err != nil {
		report.Error = err.Error()
		o.log.Warn("auto-rotation skipped, refresh failed", zap.String("token_id", id), zap.Error(err))
		o.publish(EventError, id, "", ErrorPayload{Op: opRotation, Error: err.Error()})
		return result, nil
	}

	newID, _, _, err := lm.RotateToken(id, next, "auto: "+res.RotationReason)
	if err != nil {
		report.Error = err.Error()
		o.log.Warn("auto-rotation failed", zap.String("token_id", id), zap.Error(err))
		o.publish(EventError, id, "", ErrorPayload{Op: opRotation, Error: err.Error()})
		return result, nil
	}

	report.Success = true
	report.NewID = newID
	result.TokenID = newID
	result.Credential = next
	o.log.Info("token auto-rotated", zap.String("old_token_id", id), zap.String("new_token_id", newID))
	return result, nil
}

func (o *Orchestrator) replacementCredential(ctx context.Context, id string, current Credential) (Credential, error) {
	if o.refresher == nil {
		return current, nil
	}
	next, err := o.refresher.Refresh(ctx, id, current)
	if err != nil {
		return Credential{}, fmt.Errorf("credential refresh failed: %w", err)
	}
	return next, nil
}

// RotationResult reports PerformSecureRotation. SecurityScore is 60 for the
// rotation itself, plus 25 when the new record verified and 15 when a backup
// was taken first; it is 0 when the rotation failed.
type RotationResult struct {
	Success           bool     `json:"success"`
	NewTokenID        string   `json:"new_token_id,omitempty"`
	OldTokenID        string   `json:"old_token_id"`
	IntegrityVerified bool     `json:"integrity_verified"`
	BackupCreated     bool     `json:"backup_created"`
	SecurityScore     int      `json:"security_score"`
	Warnings          []string `json:"warnings,omitempty"`
}

const (
	scoreRotated  = 60
	scoreVerified = 25
	scoreBackedUp = 15
)

// PerformSecureRotation rotates id, taking a backup first when
// BackupOptions.BeforeRotation is set and verifying the new record afterwards.
// newCred may be nil, then the refresher or the current credential is used.
func (o *Orchestrator) PerformSecureRotation(ctx context.Context, id string, newCred *Credential) RotationResult {
	result := RotationResult{OldTokenID: id}

	lm, err := o.ready()
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		return result
	}

	if o.opts.Backup.BeforeRotation {
		if b := o.CreateSecureBackup(ctx); b.Success {
			result.BackupCreated = true
		} else {
			result.Warnings = append(result.Warnings, "pre-rotation backup failed: "+b.Error)
		}
	}

	var next Credential
	if newCred != nil {
		next = *newCred
	} else {
		current, err := lm.peekCredential(id)
		if err == nil {
			next, err = o.replacementCredential(ctx, id, current)
		}
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
			o.publish(EventError, id, "", ErrorPayload{Op: opRotation, Error: err.Error()})
			return result
		}
	}

	newID, _, _, err := lm.RotateToken(id, next, "secure rotation")
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		o.publish(EventError, id, "", ErrorPayload{Op: opRotation, Error: err.Error()})
		return result
	}
	result.Success = true
	result.NewTokenID = newID

	if err = lm.VerifyToken(newID); err != nil {
		result.Warnings = append(result.Warnings, "new record failed verification: "+err.Error())
	} else {
		result.IntegrityVerified = true
	}

	result.SecurityScore = scoreRotated
	if result.IntegrityVerified {
		result.SecurityScore += scoreVerified
	}
	if result.BackupCreated {
		result.SecurityScore += scoreBackedUp
	}

	o.log.Info("secure rotation completed",
		zap.String("old_token_id", id), zap.String("new_token_id", newID), zap.Int("score", result.SecurityScore))
	return result
}

// RotateMasterKey replaces the active master key and moves every active
// record to it. An empty newPassphrase keeps the current one. When moving the
// records fails the new key stays active and the records remain readable under
// the deprecated key; the error wraps ErrRotationFailed.
func (o *Orchestrator) RotateMasterKey(ctx context.Context, newPassphrase string) (string, error) {
	lm, err := o.ready()
	if err != nil {
		return "", err
	}

	if o.opts.Backup.BeforeRotation {
		if b := o.CreateSecureBackup(ctx); !b.Success {
			return "", newError(ErrRotationFailed, "rotate_master_key", "", fmt.Errorf("pre-rotation backup failed: %s", b.Error))
		}
	}

	var newKeyID string
	err = o.withPassphrase(func(oldPass string) error {
		if newPassphrase == "" {
			newPassphrase = oldPass
		}
		active, ok := o.keys.ActiveKey()
		if !ok {
			return newError(ErrKeyNotFound, "rotate_master_key", "", errors.New("no active key"))
		}

		id, buf, _, err := o.keys.RotateKey(active.KeyID, oldPass, newPassphrase)
		if err != nil {
			return err
		}
		buf.Destroy()
		newKeyID = id

		if _, err = lm.MigrateRecords(active.KeyID, id, oldPass, newPassphrase); err != nil {
			return newError(ErrRotationFailed, "rotate_master_key", id, err)
		}
		return nil
	})

	if newKeyID != "" && newPassphrase != "" {
		o.mu.Lock()
		o.passphrase = memguard.NewEnclave([]byte(newPassphrase))
		o.mu.Unlock()
	}
	if err != nil {
		o.publish(EventError, "", newKeyID, ErrorPayload{Op: opRotation, Error: err.Error()})
		return newKeyID, err
	}
	return newKeyID, nil
}

// Keys exposes the key manager.
func (o *Orchestrator) Keys() *KeyManager {
	return o.keys
}

// Lifecycle exposes the lifecycle manager; nil before Initialize.
func (o *Orchestrator) Lifecycle() *LifecycleManager {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lifecycle
}

// Events exposes the event bus.
func (o *Orchestrator) Events() *EventBus {
	return o.bus
}

func (o *Orchestrator) ready() (*LifecycleManager, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.initialized {
		return nil, ErrNotInitialized
	}
	return o.lifecycle, nil
}

func (o *Orchestrator) withPassphrase(fn func(pass string) error) error {
	o.mu.RLock()
	enclave := o.passphrase
	o.mu.RUnlock()
	if enclave == nil {
		return ErrNotInitialized
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open passphrase enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

func (o *Orchestrator) refreshActiveGauge(lm *LifecycleManager) {
	if o.metrics != nil {
		o.metrics.setActiveTokens(len(lm.liveTokenIDs()))
	}
}

func (o *Orchestrator) publish(t EventType, tokenID, keyID string, payload any) {
	o.bus.Publish(Event{Type: t, Source: "orchestrator", TokenID: tokenID, KeyID: keyID, Payload: payload})
}

// auditEvent records every bus event in the audit log.
func (o *Orchestrator) auditEvent(e Event) {
	meta := map[string]interface{}{
		audit.MetaEventID: e.ID,
		"source":          e.Source,
	}
	if e.TokenID != "" {
		meta[audit.MetaTokenID] = e.TokenID
	}
	if e.KeyID != "" {
		meta[audit.MetaKeyID] = e.KeyID
	}
	if e.Payload != nil {
		meta["payload"] = e.Payload
	}

	success := true
	switch p := e.Payload.(type) {
	case ErrorPayload:
		success = false
		meta[audit.MetaError] = p.Error
	case ValidatedPayload:
		success = p.Valid
	case IntegrityVerifiedPayload:
		success = p.Passed
	case BreachPayload:
		success = false
	}

	if err := o.audit.Log(string(e.Type), success, meta); err != nil {
		o.log.Warn("audit log write failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
