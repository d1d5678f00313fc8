package config

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"southwinds.dev/tokenvault"
	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/persist"
)

// NewLogger builds the zap logger described by the logging section.
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Options converts the configuration into tokenvault.Options.
func (c *Config) Options() tokenvault.Options {
	opts := tokenvault.DefaultOptions()

	opts.Passphrase = c.Key.Passphrase
	if opts.Passphrase == "" {
		opts.EnvPassphraseVar = c.Key.PassphraseEnv
	}
	opts.Algorithm = tokenvault.Algorithm(c.Algorithm)
	opts.AutoRotate = c.AutoRotate
	opts.EnableMemoryLock = c.EnableMemoryLock
	opts.PurgeOnShutdown = c.PurgeOnShutdown

	opts.Keys = tokenvault.KeyPolicy{
		Derivation:             c.derivation(),
		MaxKeyAge:              c.Key.MaxAge,
		DeprecatedKeyThreshold: c.Key.DeprecatedThreshold,
		MinPassphraseLength:    c.Key.MinPassphraseLength,
	}
	opts.Lifecycle = tokenvault.LifecyclePolicy{
		DefaultLifetime:        c.Lifecycle.DefaultLifetime,
		ExpirationBuffer:       c.Lifecycle.ExpirationBuffer,
		MaxTokenAge:            c.Lifecycle.MaxTokenAge,
		RotationUsageThreshold: c.Lifecycle.RotationUsageThreshold,
		RotationAgeThreshold:   c.Lifecycle.RotationAgeThreshold,
		CleanupGracePeriod:     c.Lifecycle.CleanupGracePeriod,
	}

	actions := make([]tokenvault.BreachAction, 0, len(c.Integrity.BreachActions))
	for _, a := range c.Integrity.BreachActions {
		actions = append(actions, tokenvault.BreachAction(a))
	}
	opts.Integrity = tokenvault.IntegrityOptions{
		Enabled:         c.Integrity.Enabled,
		Interval:        c.Integrity.Interval,
		BreachThreshold: c.Integrity.BreachThreshold,
		BreachActions:   actions,
		Parallelism:     c.Integrity.Parallelism,
	}
	opts.Backup = tokenvault.BackupOptions{
		Enabled:        c.Backup.Enabled,
		Interval:       c.Backup.Interval,
		Retain:         c.Backup.Retain,
		Passphrase:     c.Backup.Passphrase,
		BeforeRotation: c.Backup.BeforeRotation,
	}
	opts.Cleanup = tokenvault.CleanupOptions{
		Enabled:  c.Cleanup.Enabled,
		Interval: c.Cleanup.Interval,
	}
	return opts
}

func (c *Config) derivation() tokenvault.DerivationParams {
	switch tokenvault.KDF(c.Key.KDF) {
	case tokenvault.KDFScrypt:
		return tokenvault.DerivationParams{
			Algorithm: tokenvault.KDFScrypt,
			ScryptN:   c.Key.ScryptN,
			ScryptR:   c.Key.ScryptR,
			ScryptP:   c.Key.ScryptP,
		}
	case tokenvault.KDFArgon2id:
		return tokenvault.DerivationParams{
			Algorithm:   tokenvault.KDFArgon2id,
			Iterations:  c.Key.Iterations,
			MemoryKiB:   c.Key.MemoryKiB,
			Parallelism: c.Key.Parallelism,
		}
	default:
		return tokenvault.DerivationParams{
			Algorithm:  tokenvault.KDFPBKDF2,
			Iterations: c.Key.Iterations,
		}
	}
}

// AuditLoggerConfig converts the audit section. A file logger without a path
// writes audit.log in the store directory.
func (c *Config) AuditLoggerConfig() *audit.Config {
	cfg := &audit.Config{
		Enabled: c.Audit.Enabled,
		Type:    audit.ConfigType(c.Audit.Type),
		Source:  c.Audit.Source,
		Options: map[string]interface{}{},
	}
	switch cfg.Type {
	case audit.FileAuditType:
		path := c.Audit.FilePath
		if path == "" {
			path = filepath.Join(c.Store.Path, "audit.log")
		}
		cfg.Options["file_path"] = path
		cfg.Options["max_size"] = c.Audit.MaxSizeMB
		cfg.Options["max_backups"] = c.Audit.MaxBackups
	case audit.SyslogAuditType:
		if c.Audit.Tag != "" {
			cfg.Options["tag"] = c.Audit.Tag
		}
	}
	return cfg
}

// MirrorStoreConfig converts the mirror section for persist.NewBackupMirror.
func (m MirrorConfig) MirrorStoreConfig() persist.StoreConfig {
	return persist.StoreConfig{
		Type: persist.StoreTypeS3,
		Config: map[string]interface{}{
			"endpoint":          m.Endpoint,
			"access_key_id":     m.AccessKeyID,
			"secret_access_key": m.SecretAccessKey,
			"use_ssl":           m.UseSSL,
			"region":            m.Region,
			"bucket":            m.Bucket,
			"key_prefix":        m.KeyPrefix,
		},
	}
}

// NewOrchestrator opens the store, the audit logger and, when enabled, the
// backup mirror and metrics, and returns an orchestrator that still needs
// Initialize. Extra options are applied after the ones derived from c.
func (c *Config) NewOrchestrator(reg prometheus.Registerer, extra ...tokenvault.Option) (*tokenvault.Orchestrator, error) {
	logger, err := c.Logging.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}

	store, err := persist.NewStore(persist.StoreConfig{
		Type:   persist.StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": c.Store.Path},
	})
	if err != nil {
		return nil, fmt.Errorf("config: open store: %w", err)
	}

	auditLogger, err := audit.NewLogger(c.AuditLoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("config: open audit log: %w", err)
	}

	opts := []tokenvault.Option{
		tokenvault.WithLogger(logger),
		tokenvault.WithAuditLogger(auditLogger),
	}
	if c.Metrics.Enabled && reg != nil {
		opts = append(opts, tokenvault.WithMetrics(reg, c.Metrics.Namespace))
	}
	if c.Backup.Mirror.Enabled {
		mirror, err := persist.NewBackupMirror(c.Backup.Mirror.MirrorStoreConfig())
		if err != nil {
			_ = auditLogger.Close()
			return nil, fmt.Errorf("config: open backup mirror: %w", err)
		}
		opts = append(opts, tokenvault.WithBackupMirror(mirror))
	}

	o, err := tokenvault.NewOrchestrator(store, c.Options(), append(opts, extra...)...)
	if err != nil {
		_ = auditLogger.Close()
		return nil, err
	}
	return o, nil
}
