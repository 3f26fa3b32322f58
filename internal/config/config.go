// Package config loads learnsyncd configuration from a YAML file, LEARNSYNC_*
// environment variables and defaults, and reloads it when the file changes.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/sync/conflict"
)

// EnvPrefix prefixes environment overrides, e.g. LEARNSYNC_SYNC_MAX_RETRIES.
const EnvPrefix = "LEARNSYNC"

type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Network     NetworkConfig     `mapstructure:"network"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SyncConfig struct {
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DefaultStrategy string        `mapstructure:"default_strategy"`
	Tables          []TableConfig `mapstructure:"tables"`
	Periodic        string        `mapstructure:"periodic"`
}

type TableConfig struct {
	Name     string `mapstructure:"name"`
	Strategy string `mapstructure:"strategy"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	AuthToken string        `mapstructure:"auth_token"`
}

type NetworkConfig struct {
	ProbeURL        string        `mapstructure:"probe_url"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	InitiallyOnline bool          `mapstructure:"initially_online"`
}

type MaintenanceConfig struct {
	Compact    string `mapstructure:"compact"`
	CacheSweep string `mapstructure:"cache_sweep"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("sync.retry_delay", "30s")
	v.SetDefault("sync.handler_timeout", "30s")
	v.SetDefault("sync.max_retries", models.DefaultMaxRetries)
	v.SetDefault("sync.default_strategy", string(conflict.DefaultStrategy))
	v.SetDefault("sync.periodic", "@every 15m")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.auth_token", "")

	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", "30s")
	v.SetDefault("network.initially_online", true)

	v.SetDefault("maintenance.compact", "@daily")
	v.SetDefault("maintenance.cache_sweep", "@every 10m")

	v.SetDefault("server.addr", "127.0.0.1:8737")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir is required")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Sync.RetryDelay <= 0 {
		add("sync.retry_delay must be positive")
	}
	if c.Sync.HandlerTimeout <= 0 {
		add("sync.handler_timeout must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		add("sync.max_retries must be at least 1")
	}
	if _, err := conflict.ParseStrategy(c.Sync.DefaultStrategy); err != nil {
		add("sync.default_strategy: %v", err)
	}
	for i, t := range c.Sync.Tables {
		if !models.IsSyncTable(t.Name) {
			add("sync.tables[%d]: unknown table %q", i, t.Name)
		}
		if _, err := conflict.ParseStrategy(t.Strategy); err != nil {
			add("sync.tables[%d].strategy: %v", i, err)
		}
	}
	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("remote.base_url must be an absolute URL, got %q", c.Remote.BaseURL)
		}
	}
	if c.Network.ProbeURL != "" && c.Network.ProbeInterval <= 0 {
		add("network.probe_interval must be positive when probe_url is set")
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// Strategies returns the default conflict strategy and per-table overrides.
// Call after Validate.
func (c *Config) Strategies() (models.ResolutionType, map[string]models.ResolutionType) {
	def, _ := conflict.ParseStrategy(c.Sync.DefaultStrategy)
	perTable := make(map[string]models.ResolutionType, len(c.Sync.Tables))
	for _, t := range c.Sync.Tables {
		s, _ := conflict.ParseStrategy(t.Strategy)
		perTable[t.Name] = s
	}
	return def, perTable
}

// LoggerOptions maps the logging section to logger options.
func (c *Config) LoggerOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Logging.Level),
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// Manager holds the loaded configuration and its source.
type Manager struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// Load reads path, or learnsync.yaml in the working directory when path is
// empty. A missing default file is not an error; defaults and environment
// overrides apply.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config "+path, err)
		}
	} else {
		v.SetConfigName("learnsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, current: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the active configuration. Callers must not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// File returns the config file in use, or "" when running on defaults.
func (m *Manager) File() string {
	return m.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes and calls
// onChange with the previous and new values. An invalid edit is logged and
// the previous configuration stays active.
func (m *Manager) Watch(onChange func(old, updated *Config)) {
	if m.File() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(m.v)
		if err != nil {
			logging.Error("Config reload rejected", err, map[string]interface{}{"file": e.Name})
			return
		}

		m.mu.Lock()
		old := m.current
		m.current = cfg
		m.mu.Unlock()

		logging.Info("Config reloaded", map[string]interface{}{"file": e.Name})
		if onChange != nil {
			onChange(old, cfg)
		}
	})
	m.v.WatchConfig()
}
