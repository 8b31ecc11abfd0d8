// ABOUTME: Configuration loading and parsing for tabsync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "TABSYNC_CONFIG"

// Config represents the complete tabsync configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Scopes  ScopesConfig  `yaml:"scopes" toml:"scopes"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the hub listen address and the URL clients use to reach it
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// HubURL is used by clients (health, remote tabs). Derived from HTTPAddr when empty.
	HubURL string `yaml:"hub_url" toml:"hub_url"`
}

// StoreConfig holds persistent store configuration
type StoreConfig struct {
	PrimaryDSN        string `yaml:"primary_dsn" toml:"primary_dsn"`
	PrimaryQuotaBytes int    `yaml:"primary_quota_bytes" toml:"primary_quota_bytes"`

	OperationTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	OperationTimeoutRaw string `yaml:"operation_timeout" toml:"operation_timeout"`
}

// SyncConfig holds coordinator timing
type SyncConfig struct {
	ReconnectDelay time.Duration `yaml:"-" toml:"-"`
	RetryInterval  time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	ReconnectDelayRaw string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	RetryIntervalRaw  string `yaml:"retry_interval" toml:"retry_interval"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ScopesConfig controls how raw scope ids map to scope kinds
type ScopesConfig struct {
	DefaultID     string `yaml:"default_id" toml:"default_id"`
	PrivatePrefix string `yaml:"private_prefix" toml:"private_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: the explicit flag value, then
// $TABSYNC_CONFIG, then $XDG_CONFIG_HOME/tabsync/config.yaml
// (~/.config/tabsync/config.yaml when XDG_CONFIG_HOME is unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tabsync", "config.yaml")
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:7420"
	}
	if cfg.Server.HubURL == "" {
		cfg.Server.HubURL = "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Store.PrimaryDSN == "" {
		cfg.Store.PrimaryDSN = defaultDSN()
	}
	if cfg.Store.PrimaryQuotaBytes == 0 {
		cfg.Store.PrimaryQuotaBytes = 100 * 1024
	}
	if cfg.Store.OperationTimeout == 0 {
		cfg.Store.OperationTimeout = 2 * time.Second
	}
	if cfg.Sync.ReconnectDelay == 0 {
		cfg.Sync.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.Sync.RetryInterval == 0 {
		cfg.Sync.RetryInterval = 2 * time.Second
	}
	if cfg.Sync.DedupeTTL == 0 {
		cfg.Sync.DedupeTTL = 5 * time.Minute
	}
	if cfg.Scopes.DefaultID == "" {
		cfg.Scopes.DefaultID = "firefox-default"
	}
	if cfg.Scopes.PrivatePrefix == "" {
		cfg.Scopes.PrivatePrefix = "firefox-private"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func defaultDSN() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "sqlite://tabsync.db"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return "sqlite://" + filepath.Join(base, "tabsync", "state.db")
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Store.PrimaryDSN == "" {
		return fmt.Errorf("store.primary_dsn is required")
	}
	if c.Store.PrimaryQuotaBytes < 0 {
		return fmt.Errorf("store.primary_quota_bytes must not be negative")
	}
	if c.Store.OperationTimeout < 0 {
		return fmt.Errorf("store.operation_timeout must not be negative")
	}
	if c.Sync.ReconnectDelay < 0 || c.Sync.RetryInterval < 0 || c.Sync.DedupeTTL < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.operation_timeout", cfg.Store.OperationTimeoutRaw, &cfg.Store.OperationTimeout},
		{"sync.reconnect_delay", cfg.Sync.ReconnectDelayRaw, &cfg.Sync.ReconnectDelay},
		{"sync.retry_interval", cfg.Sync.RetryIntervalRaw, &cfg.Sync.RetryInterval},
		{"sync.dedupe_ttl", cfg.Sync.DedupeTTLRaw, &cfg.Sync.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
