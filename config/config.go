package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TOKENVAULT_STORE_PATH.
const EnvPrefix = "TOKENVAULT"

// Config is the file and environment representation of a token vault.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Key       KeyConfig       `mapstructure:"key" yaml:"key"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Integrity IntegrityConfig `mapstructure:"integrity" yaml:"integrity"`
	Backup    BackupConfig    `mapstructure:"backup" yaml:"backup"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	Algorithm        string `mapstructure:"algorithm" yaml:"algorithm" validate:"oneof=chacha20-poly1305+hkdf-sha256 aes-256-gcm+hkdf-sha256"`
	AutoRotate       bool   `mapstructure:"auto_rotate" yaml:"auto_rotate"`
	EnableMemoryLock bool   `mapstructure:"enable_memory_lock" yaml:"enable_memory_lock"`
	PurgeOnShutdown  bool   `mapstructure:"purge_on_shutdown" yaml:"purge_on_shutdown"`
}

// StoreConfig locates the local store.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// KeyConfig holds the passphrase source and master key policy. Passphrase is
// never written by WriteDefault; prefer PassphraseEnv.
type KeyConfig struct {
	Passphrase          string        `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	PassphraseEnv       string        `mapstructure:"passphrase_env" yaml:"passphrase_env,omitempty"`
	KDF                 string        `mapstructure:"kdf" yaml:"kdf" validate:"oneof=pbkdf2-sha256 scrypt argon2id"`
	Iterations          uint32        `mapstructure:"iterations" yaml:"iterations"`
	MemoryKiB           uint32        `mapstructure:"memory_kib" yaml:"memory_kib"`
	Parallelism         uint8         `mapstructure:"parallelism" yaml:"parallelism"`
	ScryptN             int           `mapstructure:"scrypt_n" yaml:"scrypt_n"`
	ScryptR             int           `mapstructure:"scrypt_r" yaml:"scrypt_r"`
	ScryptP             int           `mapstructure:"scrypt_p" yaml:"scrypt_p"`
	MaxAge              time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	DeprecatedThreshold int           `mapstructure:"deprecated_threshold" yaml:"deprecated_threshold" validate:"gte=0"`
	MinPassphraseLength int           `mapstructure:"min_passphrase_length" yaml:"min_passphrase_length" validate:"gte=8"`
}

type LifecycleConfig struct {
	DefaultLifetime        time.Duration `mapstructure:"default_lifetime" yaml:"default_lifetime" validate:"gt=0"`
	ExpirationBuffer       time.Duration `mapstructure:"expiration_buffer" yaml:"expiration_buffer" validate:"gte=0"`
	MaxTokenAge            time.Duration `mapstructure:"max_token_age" yaml:"max_token_age" validate:"gte=0"`
	RotationUsageThreshold int64         `mapstructure:"rotation_usage_threshold" yaml:"rotation_usage_threshold" validate:"gte=0"`
	RotationAgeThreshold   time.Duration `mapstructure:"rotation_age_threshold" yaml:"rotation_age_threshold" validate:"gte=0"`
	CleanupGracePeriod     time.Duration `mapstructure:"cleanup_grace_period" yaml:"cleanup_grace_period" validate:"gte=0"`
}

type IntegrityConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	BreachThreshold int           `mapstructure:"breach_threshold" yaml:"breach_threshold" validate:"gte=1"`
	BreachActions   []string      `mapstructure:"breach_actions" yaml:"breach_actions" validate:"dive,oneof=rotate_key revoke_all notify"`
	Parallelism     int           `mapstructure:"parallelism" yaml:"parallelism" validate:"gte=1"`
}

// BackupConfig controls scheduled backups and the optional S3 mirror.
type BackupConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	Retain         int           `mapstructure:"retain" yaml:"retain" validate:"gte=0"`
	Passphrase     string        `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	BeforeRotation bool          `mapstructure:"before_rotation" yaml:"before_rotation"`
	Mirror         MirrorConfig  `mapstructure:"mirror" yaml:"mirror"`
}

// MirrorConfig describes an S3 compatible bucket receiving copies of backups.
type MirrorConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	UseSSL          bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket" validate:"required_if=Enabled true"`
	KeyPrefix       string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
}

type CleanupConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
}

// AuditConfig selects the audit logger. Type is file, syslog or empty for none.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Type       string `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=file syslog"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	Tag        string `mapstructure:"tag" yaml:"tag,omitempty"`
	Source     string `mapstructure:"source" yaml:"source,omitempty"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "./data"},
		Key: KeyConfig{
			PassphraseEnv:       "TOKENVAULT_PASSPHRASE",
			KDF:                 "pbkdf2-sha256",
			Iterations:          100_000,
			MemoryKiB:           64 * 1024,
			Parallelism:         4,
			ScryptN:             1 << 15,
			ScryptR:             8,
			ScryptP:             1,
			MaxAge:              90 * 24 * time.Hour,
			DeprecatedThreshold: 5,
			MinPassphraseLength: 12,
		},
		Lifecycle: LifecycleConfig{
			DefaultLifetime:    time.Hour,
			ExpirationBuffer:   5 * time.Minute,
			MaxTokenAge:        90 * 24 * time.Hour,
			CleanupGracePeriod: 24 * time.Hour,
		},
		Integrity: IntegrityConfig{
			Interval:        time.Hour,
			BreachThreshold: 3,
			BreachActions:   []string{"notify"},
			Parallelism:     4,
		},
		Backup: BackupConfig{
			Interval: 24 * time.Hour,
			Retain:   7,
		},
		Cleanup: CleanupConfig{Interval: time.Hour},
		Audit: AuditConfig{
			Type:       "file",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Logging:    LoggingConfig{Level: "info"},
		Metrics:    MetricsConfig{Namespace: "tokenvault"},
		Algorithm:  "chacha20-poly1305+hkdf-sha256",
		AutoRotate: true,
	}
}

// Load reads the configuration from path, or from tokenvault.yaml in the
// working directory when path is empty, applies TOKENVAULT_* environment
// overrides and validates the result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tokenvault")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and the passphrase source.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Key.Passphrase == "" && c.Key.PassphraseEnv == "" {
		return errors.New("config: invalid: key.passphrase or key.passphrase_env is required")
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path. An existing
// file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// setDefaults registers every key of Default() so that environment overrides
// work for keys absent from the file.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err = yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("config: parse defaults: %w", err)
	}
	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}
	// omitted from the YAML, but they must be known for env binding
	for _, key := range []string{
		"key.passphrase", "backup.passphrase", "audit.file_path", "audit.tag", "audit.source",
		"backup.mirror.access_key_id", "backup.mirror.secret_access_key",
		"backup.mirror.region", "backup.mirror.key_prefix",
	} {
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
	}
	return nil
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
