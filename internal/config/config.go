// Package config handles configuration loading for taskforge.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/taskforge/internal/breaker"
	"github.com/ShayCichocki/taskforge/internal/executor"
	"github.com/ShayCichocki/taskforge/internal/logging"
)

// EnvPrefix prefixes every environment variable override, e.g.
// TASKFORGE_EXECUTOR_MAX_IN_FLIGHT.
const EnvPrefix = "TASKFORGE"

// ProjectConfigName is the file searched for in the working directory and its parents.
const ProjectConfigName = ".taskforge.yaml"

// Config holds all configuration for taskforge.
type Config struct {
	Executor executor.Config `mapstructure:"executor"`
	Breaker  breaker.Config  `mapstructure:"breaker"`
	Logging  logging.Config  `mapstructure:"logging"`
	Journal  JournalConfig   `mapstructure:"journal"`
	Events   EventsConfig    `mapstructure:"events"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is the database file. Empty means .taskforge/journal.db.
	Path string `mapstructure:"path"`
	// Retention is how long events are kept; older ones are purged when a
	// run opens the journal. Zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// EventsConfig controls the buffered event emitter between the engine and its sinks.
// A BufferSize of 0 writes events to the journal synchronously.
type EventsConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Executor: executor.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Logging:  logging.DefaultConfig(),
		Journal: JournalConfig{
			Enabled:   true,
			Path:      filepath.Join(".taskforge", "journal.db"),
			Retention: 30 * 24 * time.Hour,
		},
		Events: EventsConfig{
			BufferSize:  256,
			SendTimeout: 100 * time.Millisecond,
		},
	}
}

// Validate checks every section and clamps values into range.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Executor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if err := c.Breaker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker: %w", err))
	}
	if c.Events.BufferSize < 0 {
		c.Events.BufferSize = 0
	}
	if c.Journal.Retention < 0 {
		c.Journal.Retention = 0
	}
	if c.Events.SendTimeout < 0 {
		c.Events.SendTimeout = 0
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = Default().Journal.Path
	}
	return errors.Join(errs...)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKFORGE_SECTION_KEY)
// 2. Project config (.taskforge.yaml in current directory or parent)
// 3. User config (~/.config/taskforge/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// Settings returns the effective configuration as a flat key/value map,
// as printed by the config command.
func Settings(cfg *Config) map[string]any {
	v := viper.New()
	setFrom(v, cfg)
	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		out[key] = v.Get(key)
	}
	return out
}

// SetUserValue writes one key to the user config file, keeping the keys
// already in it. The value is parsed as a YAML scalar, so "8" is stored as a
// number and "true" as a boolean. The resulting config must validate.
func SetUserValue(key, value string) error {
	key = strings.ToLower(key)
	if _, ok := Settings(Default())[key]; !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var typed any
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil || typed == nil {
		typed = value
	}

	path := GetUserConfigPath()
	file := viper.New()
	file.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("reading user config: %w", err)
		}
	}
	file.Set(key, typed)

	check := viper.New()
	setFrom(check, Default())
	if err := check.MergeConfigMap(file.AllSettings()); err != nil {
		return fmt.Errorf("merging user config: %w", err)
	}
	if _, err := decode(check); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return file.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setFrom(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Journal.Path = os.ExpandEnv(cfg.Journal.Path)
	cfg.Logging.FilePath = os.ExpandEnv(cfg.Logging.FilePath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setFrom registers every key of cfg as a viper default. Keys must be known
// to viper for AutomaticEnv to reach them during Unmarshal.
func setFrom(v *viper.Viper, cfg *Config) {
	v.SetDefault("executor.max_in_flight", cfg.Executor.MaxInFlight)
	v.SetDefault("executor.default_timeout", cfg.Executor.DefaultTimeout.String())
	v.SetDefault("executor.tick_interval", cfg.Executor.TickInterval.String())
	v.SetDefault("executor.fail_unservable", cfg.Executor.FailUnservable)
	v.SetDefault("executor.backoff.strategy", cfg.Executor.Backoff.Strategy)
	v.SetDefault("executor.backoff.base", cfg.Executor.Backoff.Base.String())
	v.SetDefault("executor.backoff.step", cfg.Executor.Backoff.Step.String())
	v.SetDefault("executor.backoff.multiplier", cfg.Executor.Backoff.Multiplier)
	v.SetDefault("executor.backoff.max", cfg.Executor.Backoff.Max.String())

	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.cooldown", cfg.Breaker.Cooldown.String())
	v.SetDefault("breaker.cooldown_multiplier", cfg.Breaker.CooldownMultiplier)
	v.SetDefault("breaker.max_cooldown", cfg.Breaker.MaxCooldown.String())

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)

	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.path", cfg.Journal.Path)
	v.SetDefault("journal.retention", cfg.Journal.Retention.String())

	v.SetDefault("events.buffer_size", cfg.Events.BufferSize)
	v.SetDefault("events.send_timeout", cfg.Events.SendTimeout.String())
}

// getUserConfigDir returns the XDG config directory for taskforge.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskforge")
	}
	return filepath.Join(home, ".config", "taskforge")
}

// findProjectConfig searches for .taskforge.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
