package tokenvault

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/persist"
)

// BreachAction is a response run when consecutive integrity failures reach the threshold.
type BreachAction string

const (
	BreachActionRotateKey BreachAction = "rotate_key"
	BreachActionRevokeAll BreachAction = "revoke_all"
	BreachActionNotify    BreachAction = "notify"
)

// Options represents the configuration of an Orchestrator and the components it owns.
//
// Passphrase sources:
//   - Passphrase is used as given. It is tagged json:"-" so it never ends up in a
//     serialized configuration.
//   - EnvPassphraseVar names an environment variable that is read once during
//     Initialize and then unset, so the passphrase does not linger in the
//     process environment.
//
// Exactly one source is required. The same passphrase unlocks the active key and,
// where it matches, older keys of the chain.
//
// Schedules (integrity, backup, cleanup) only run when their Enabled flag is set and
// Interval is positive; the corresponding Perform*/Create* methods can always be
// called directly.
type Options struct {
	Passphrase       string `json:"-"`
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// Algorithm is the cipher suite for newly encrypted records.
	Algorithm Algorithm `json:"algorithm"`

	Keys      KeyPolicy        `json:"keys"`
	Lifecycle LifecyclePolicy  `json:"lifecycle"`
	Integrity IntegrityOptions `json:"integrity"`
	Backup    BackupOptions    `json:"backup"`
	Cleanup   CleanupOptions   `json:"cleanup"`

	// AutoRotate makes GetSecureToken rotate tokens whose rotation is due.
	AutoRotate bool `json:"auto_rotate"`

	// EnableMemoryLock locks process memory (mlockall) during Initialize.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// PurgeOnShutdown calls memguard.Purge during Shutdown. It rekeys the
	// process wide memguard session, so only set it when nothing else in the
	// process holds enclaves.
	PurgeOnShutdown bool `json:"purge_on_shutdown"`
}

// KeyPolicy governs master key creation and health.
type KeyPolicy struct {
	Derivation             DerivationParams `json:"derivation"`
	MaxKeyAge              time.Duration    `json:"max_key_age"`
	DeprecatedKeyThreshold int              `json:"deprecated_key_threshold"`
	MinPassphraseLength    int              `json:"min_passphrase_length"`
}

// LifecyclePolicy governs token expiry, rotation recommendations and cleanup.
type LifecyclePolicy struct {
	// DefaultLifetime applies when a credential carries a non-positive lifetime.
	DefaultLifetime time.Duration `json:"default_lifetime"`
	// ExpirationBuffer treats tokens as expired this long before their expiry.
	ExpirationBuffer time.Duration `json:"expiration_buffer"`
	// MaxTokenAge invalidates tokens older than this regardless of expiry. Zero disables it.
	MaxTokenAge time.Duration `json:"max_token_age"`
	// RotationUsageThreshold recommends rotation once a token has been used more often. Zero disables it.
	RotationUsageThreshold int64 `json:"rotation_usage_threshold"`
	// RotationAgeThreshold recommends rotation for tokens at least this old. Zero disables it.
	RotationAgeThreshold time.Duration `json:"rotation_age_threshold"`
	// CleanupGracePeriod keeps terminal tokens this long before cleanup deletes them.
	CleanupGracePeriod time.Duration `json:"cleanup_grace_period"`
}

type IntegrityOptions struct {
	Enabled         bool           `json:"enabled"`
	Interval        time.Duration  `json:"interval"`
	// BreachThreshold is the number of consecutive failed cycles that raises
	// a breach. It fires on the cycle where the streak equals the threshold.
	BreachThreshold int            `json:"breach_threshold"`
	BreachActions   []BreachAction `json:"breach_actions"`
	Parallelism     int            `json:"parallelism"`
}

type BackupOptions struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	// Retain is the number of backups kept locally; older ones are pruned. Zero keeps all.
	Retain int `json:"retain"`
	// Passphrase seals backups with age when set.
	Passphrase string `json:"-"`
	// BeforeRotation snapshots a backup before every PerformSecureRotation.
	BeforeRotation bool `json:"before_rotation"`
}

type CleanupOptions struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// DefaultKeyPolicy returns PBKDF2 derivation, a 90 day key age and a 12 character passphrase minimum.
func DefaultKeyPolicy() KeyPolicy {
	return KeyPolicy{
		Derivation:             crypto.DefaultParams(),
		MaxKeyAge:              90 * 24 * time.Hour,
		DeprecatedKeyThreshold: 5,
		MinPassphraseLength:    12,
	}
}

// DefaultLifecyclePolicy returns a one hour fallback lifetime and a five minute expiry buffer.
func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{
		DefaultLifetime:    time.Hour,
		ExpirationBuffer:   5 * time.Minute,
		MaxTokenAge:        90 * 24 * time.Hour,
		CleanupGracePeriod: 24 * time.Hour,
	}
}

// DefaultOptions returns Options with auto-rotation on, every schedule disabled and no passphrase.
func DefaultOptions() Options {
	return Options{
		Algorithm:  AlgorithmChaCha20Poly1305,
		AutoRotate: true,
		Keys:       DefaultKeyPolicy(),
		Lifecycle:  DefaultLifecyclePolicy(),
		Integrity: IntegrityOptions{
			Interval:        time.Hour,
			BreachThreshold: 3,
			BreachActions:   []BreachAction{BreachActionNotify},
			Parallelism:     4,
		},
		Backup: BackupOptions{
			Interval: 24 * time.Hour,
			Retain:   7,
		},
		Cleanup: CleanupOptions{
			Interval: time.Hour,
		},
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	var err error

	if o.Passphrase == "" && o.EnvPassphraseVar == "" {
		err = multierr.Append(err, errors.New("either Passphrase or EnvPassphraseVar must be provided"))
	}
	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		err = multierr.Append(err, fmt.Errorf("invalid environment variable name: %s", o.EnvPassphraseVar))
	}
	if !crypto.KnownAlgorithm(o.Algorithm) {
		err = multierr.Append(err, fmt.Errorf("unsupported algorithm %q", o.Algorithm))
	}
	if e := o.Keys.Derivation.Validate(); e != nil {
		err = multierr.Append(err, fmt.Errorf("invalid key derivation: %w", e))
	}
	if o.Lifecycle.DefaultLifetime <= 0 {
		err = multierr.Append(err, errors.New("lifecycle default lifetime must be positive"))
	}
	if o.Lifecycle.ExpirationBuffer < 0 {
		err = multierr.Append(err, errors.New("lifecycle expiration buffer cannot be negative"))
	}
	if o.Integrity.BreachThreshold < 1 {
		err = multierr.Append(err, errors.New("integrity breach threshold must be at least 1"))
	}
	for _, a := range o.Integrity.BreachActions {
		switch a {
		case BreachActionRotateKey, BreachActionRevokeAll, BreachActionNotify:
		default:
			err = multierr.Append(err, fmt.Errorf("unknown breach action %q", a))
		}
	}
	if o.Backup.Retain < 0 {
		err = multierr.Append(err, errors.New("backup retain cannot be negative"))
	}

	return err
}

// Option configures ambient collaborators shared by every component.
type Option func(*settings)

type settings struct {
	logger     *zap.Logger
	now        func() time.Time
	bus        *EventBus
	audit      audit.Logger
	registerer prometheus.Registerer
	namespace  string
	mirror     persist.BackupMirror
	refresher  CredentialRefresher
	notifier   BreachNotifier
	cron       *cron.Cron
}

func applyOptions(opts []Option) settings {
	s := settings{
		logger:    zap.NewNop(),
		now:       time.Now,
		namespace: "tokenvault",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(bus *EventBus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithAuditLogger subscribes an audit logger to every event.
func WithAuditLogger(logger audit.Logger) Option {
	return func(s *settings) { s.audit = logger }
}

// WithMetrics registers prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(s *settings) {
		s.registerer = reg
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithBackupMirror replicates each finished backup.
func WithBackupMirror(mirror persist.BackupMirror) Option {
	return func(s *settings) { s.mirror = mirror }
}

// WithCredentialRefresher supplies fresh credential material for automatic rotation.
func WithCredentialRefresher(r CredentialRefresher) Option {
	return func(s *settings) { s.refresher = r }
}

// WithBreachNotifier is called by the notify breach action.
func WithBreachNotifier(n BreachNotifier) Option {
	return func(s *settings) { s.notifier = n }
}

// WithCron replaces the scheduler, mainly so tests can drive it.
func WithCron(c *cron.Cron) Option {
	return func(s *settings) { s.cron = c }
}
