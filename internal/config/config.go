// Package config loads Conductor daemon settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/conductor/internal/logging"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CONDUCTOR_SERVER_LISTEN.
const EnvPrefix = "CONDUCTOR"

// Gateway queue backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Locks     LocksConfig     `mapstructure:"locks" yaml:"locks"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Instances InstancesConfig `mapstructure:"instances" yaml:"instances"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP listener and database location.
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	// DBPath may start with ~/.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LocksConfig controls file lock defaults.
type LocksConfig struct {
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes" yaml:"default_ttl_minutes"`
}

// GatewayConfig controls the machine message bridge.
type GatewayConfig struct {
	Backend               string `mapstructure:"backend" yaml:"backend"`
	MessageTTLSeconds     int    `mapstructure:"message_ttl_seconds" yaml:"message_ttl_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	ReplyPollMs           int    `mapstructure:"reply_poll_ms" yaml:"reply_poll_ms"`
}

// InstancesConfig controls worker acceptance and liveness.
type InstancesConfig struct {
	ContextCeilingPercent float64 `mapstructure:"context_ceiling_percent" yaml:"context_ceiling_percent"`
	MaxContextTokens      int     `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	StaleAfterSeconds     int     `mapstructure:"stale_after_seconds" yaml:"stale_after_seconds"`
}

// SchedulerConfig controls the periodic dispatch loop.
type SchedulerConfig struct {
	IntervalMs int `mapstructure:"interval_ms" yaml:"interval_ms"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File is empty for stderr.
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:7470",
			DBPath: "~/.conductor/conductor.db",
		},
		Locks: LocksConfig{
			DefaultTTLMinutes: 30,
		},
		Gateway: GatewayConfig{
			Backend:               BackendSQLite,
			MessageTTLSeconds:     300,
			RequestTimeoutSeconds: 30,
			ReplyPollMs:           100,
		},
		Instances: InstancesConfig{
			ContextCeilingPercent: 90,
			MaxContextTokens:      200000,
			StaleAfterSeconds:     120,
		},
		Scheduler: SchedulerConfig{
			IntervalMs: 1000,
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
	}
}

// DefaultPath returns ~/.conductor/config.yaml.
func DefaultPath() string {
	return ExpandHome("~/.conductor/config.yaml")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.db_path", d.Server.DBPath)

	v.SetDefault("locks.default_ttl_minutes", d.Locks.DefaultTTLMinutes)

	v.SetDefault("gateway.backend", d.Gateway.Backend)
	v.SetDefault("gateway.message_ttl_seconds", d.Gateway.MessageTTLSeconds)
	v.SetDefault("gateway.request_timeout_seconds", d.Gateway.RequestTimeoutSeconds)
	v.SetDefault("gateway.reply_poll_ms", d.Gateway.ReplyPollMs)

	v.SetDefault("instances.context_ceiling_percent", d.Instances.ContextCeilingPercent)
	v.SetDefault("instances.max_context_tokens", d.Instances.MaxContextTokens)
	v.SetDefault("instances.stale_after_seconds", d.Instances.StaleAfterSeconds)

	v.SetDefault("scheduler.interval_ms", d.Scheduler.IntervalMs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// Load reads configuration from path (or the default path when empty),
// applies CONDUCTOR_* environment overrides and validates the result. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.DBPath = ExpandHome(cfg.Server.DBPath)
	cfg.Logging.File = ExpandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Listen != "", "server.listen must not be empty")
	check(c.Server.DBPath != "", "server.db_path must not be empty")
	check(c.Locks.DefaultTTLMinutes > 0, "locks.default_ttl_minutes must be positive, got %d", c.Locks.DefaultTTLMinutes)
	check(c.Gateway.Backend == BackendSQLite || c.Gateway.Backend == BackendMemory,
		"gateway.backend must be %q or %q, got %q", BackendSQLite, BackendMemory, c.Gateway.Backend)
	check(c.Gateway.MessageTTLSeconds > 0, "gateway.message_ttl_seconds must be positive, got %d", c.Gateway.MessageTTLSeconds)
	check(c.Gateway.RequestTimeoutSeconds > 0, "gateway.request_timeout_seconds must be positive, got %d", c.Gateway.RequestTimeoutSeconds)
	check(c.Gateway.ReplyPollMs > 0, "gateway.reply_poll_ms must be positive, got %d", c.Gateway.ReplyPollMs)
	check(c.Instances.ContextCeilingPercent > 0 && c.Instances.ContextCeilingPercent <= 100,
		"instances.context_ceiling_percent must be in (0, 100], got %v", c.Instances.ContextCeilingPercent)
	check(c.Instances.MaxContextTokens > 0, "instances.max_context_tokens must be positive, got %d", c.Instances.MaxContextTokens)
	check(c.Instances.StaleAfterSeconds > 0, "instances.stale_after_seconds must be positive, got %d", c.Instances.StaleAfterSeconds)
	check(c.Scheduler.IntervalMs > 0, "scheduler.interval_ms must be positive, got %d", c.Scheduler.IntervalMs)
	check(logging.ValidLevel(c.Logging.Level), "logging.level %q is not one of %v", c.Logging.Level, logging.Levels)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LockTTL returns the default lock duration.
func (c *LocksConfig) LockTTL() time.Duration {
	return time.Duration(c.DefaultTTLMinutes) * time.Minute
}

// MessageTTL returns the lifetime of queued envelopes.
func (c *GatewayConfig) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLSeconds) * time.Second
}

// RequestTimeout returns the default SendAndWait timeout.
func (c *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ReplyPoll returns the reply slot polling interval.
func (c *GatewayConfig) ReplyPoll() time.Duration {
	return time.Duration(c.ReplyPollMs) * time.Millisecond
}

// StaleAfter returns how long an instance may be silent before it is
// treated as disconnected.
func (c *InstancesConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// Interval returns the dispatch loop period.
func (c *SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
