// Package config loads warden settings from defaults, an optional YAML
// file, WARDEN_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/warden/internal/store"
)

// EnvPrefix is prepended to every environment variable, so database.path
// is read from WARDEN_DATABASE_PATH.
const EnvPrefix = "WARDEN"

// Config is the complete warden configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Lawbook  LawbookConfig  `mapstructure:"lawbook"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig locates the SQLite ledger.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LawbookConfig selects the lawbook enforced by the policy engine.
type LawbookConfig struct {
	ID string `mapstructure:"id"`
}

// PolicyConfig holds evaluation defaults.
type PolicyConfig struct {
	// TemplateID is folded into idempotency keys of requests that name none.
	TemplateID string `mapstructure:"template_id"`
}

// StoreConfig tunes the transactional store.
type StoreConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig bounds the retry of conflicting transactions.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := store.DefaultRetryPolicy()
	return &Config{
		Database: DatabaseConfig{Path: "warden.db"},
		Lawbook:  LawbookConfig{ID: "default"},
		Policy:   PolicyConfig{TemplateID: "default"},
		Store: StoreConfig{Retry: RetryConfig{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
		}},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("lawbook.id", d.Lawbook.ID)
	v.SetDefault("policy.template_id", d.Policy.TemplateID)
	v.SetDefault("store.retry.max_attempts", d.Store.Retry.MaxAttempts)
	v.SetDefault("store.retry.initial_interval", d.Store.Retry.InitialInterval)
	v.SetDefault("store.retry.max_interval", d.Store.Retry.MaxInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FlagKeys maps config keys to the command-line flags that override them.
var FlagKeys = map[string]string{
	"database.path": "db",
	"lawbook.id":    "lawbook",
}

// BindFlags binds every flag of FlagKeys present in flags to v. A flag
// that was not set on the command line leaves lower layers in effect.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range FlagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// Load reads file (or warden.yaml in the working directory when file is
// empty and one exists) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// RetryPolicy converts the retry settings for store.Open.
func (c *Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts:     c.Store.Retry.MaxAttempts,
		InitialInterval: c.Store.Retry.InitialInterval,
		MaxInterval:     c.Store.Retry.MaxInterval,
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
