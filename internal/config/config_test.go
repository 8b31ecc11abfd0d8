// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"

store:
  primary_dsn: "sqlite:///tmp/tabsync.db"
  primary_quota_bytes: 2048
  operation_timeout: "750ms"

sync:
  reconnect_delay: "1s"
  retry_interval: "10s"
  dedupe_ttl: "1m"

scopes:
  default_id: "default"
  private_prefix: "private-"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Server.HubURL != "http://0.0.0.0:9000" {
		t.Errorf("Server.HubURL = %q, want derived from http_addr", cfg.Server.HubURL)
	}
	if cfg.Store.PrimaryDSN != "sqlite:///tmp/tabsync.db" {
		t.Errorf("Store.PrimaryDSN = %q", cfg.Store.PrimaryDSN)
	}
	if cfg.Store.PrimaryQuotaBytes != 2048 {
		t.Errorf("Store.PrimaryQuotaBytes = %d, want 2048", cfg.Store.PrimaryQuotaBytes)
	}
	if cfg.Store.OperationTimeout != 750*time.Millisecond {
		t.Errorf("Store.OperationTimeout = %v, want 750ms", cfg.Store.OperationTimeout)
	}
	if cfg.Sync.ReconnectDelay != time.Second {
		t.Errorf("Sync.ReconnectDelay = %v, want 1s", cfg.Sync.ReconnectDelay)
	}
	if cfg.Sync.RetryInterval != 10*time.Second {
		t.Errorf("Sync.RetryInterval = %v, want 10s", cfg.Sync.RetryInterval)
	}
	if cfg.Sync.DedupeTTL != time.Minute {
		t.Errorf("Sync.DedupeTTL = %v, want 1m", cfg.Sync.DedupeTTL)
	}
	if cfg.Scopes.DefaultID != "default" || cfg.Scopes.PrivatePrefix != "private-" {
		t.Errorf("Scopes = %+v", cfg.Scopes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7777"

[store]
primary_dsn = "memory://"
operation_timeout = "3s"

[sync]
retry_interval = "250ms"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7777" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Store.PrimaryDSN != "memory://" {
		t.Errorf("Store.PrimaryDSN = %q", cfg.Store.PrimaryDSN)
	}
	if cfg.Store.OperationTimeout != 3*time.Second {
		t.Errorf("Store.OperationTimeout = %v, want 3s", cfg.Store.OperationTimeout)
	}
	if cfg.Sync.RetryInterval != 250*time.Millisecond {
		t.Errorf("Sync.RetryInterval = %v, want 250ms", cfg.Sync.RetryInterval)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "store:\n  primary_dsn: \"memory://\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.PrimaryQuotaBytes != 100*1024 {
		t.Errorf("PrimaryQuotaBytes = %d, want 102400", cfg.Store.PrimaryQuotaBytes)
	}
	if cfg.Store.OperationTimeout != 2*time.Second {
		t.Errorf("OperationTimeout = %v, want 2s", cfg.Store.OperationTimeout)
	}
	if cfg.Sync.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 500ms", cfg.Sync.ReconnectDelay)
	}
	if cfg.Sync.RetryInterval != 2*time.Second {
		t.Errorf("RetryInterval = %v, want 2s", cfg.Sync.RetryInterval)
	}
	if cfg.Sync.DedupeTTL != 5*time.Minute {
		t.Errorf("DedupeTTL = %v, want 5m", cfg.Sync.DedupeTTL)
	}
	if cfg.Scopes.DefaultID != "firefox-default" {
		t.Errorf("Scopes.DefaultID = %q", cfg.Scopes.DefaultID)
	}
	if cfg.Scopes.PrivatePrefix != "firefox-private" {
		t.Errorf("Scopes.PrivatePrefix = %q", cfg.Scopes.PrivatePrefix)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Server.HTTPAddr == "" {
		t.Error("Server.HTTPAddr should have a default")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TABSYNC_TEST_DSN", "postgres://u:p@db/tabsync")
	t.Setenv("TABSYNC_TEST_LEVEL", "error")

	path := writeConfig(t, "config.yaml", `
store:
  primary_dsn: "${TABSYNC_TEST_DSN}"
logging:
  level: "${TABSYNC_TEST_LEVEL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.PrimaryDSN != "postgres://u:p@db/tabsync" {
		t.Errorf("Store.PrimaryDSN = %q", cfg.Store.PrimaryDSN)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("a${TABSYNC_SURELY_UNSET_VAR}b")
	if got != "ab" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "ab")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad duration", "c.yaml", "sync:\n  retry_interval: \"soon\"\n", "retry_interval"},
		{"negative duration", "c.yaml", "sync:\n  reconnect_delay: \"-1s\"\n", "must not be negative"},
		{"negative quota", "c.yaml", "store:\n  primary_quota_bytes: -5\n", "primary_quota_bytes"},
		{"bad level", "c.yaml", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad format", "c.yaml", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"bad yaml", "c.yaml", "server: [unclosed\n", "parsing config file"},
		{"bad toml", "c.toml", "[server\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Scopes.DefaultID != "firefox-default" {
		t.Errorf("LoadOrDefault() did not apply defaults: %+v", cfg.Scopes)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := ResolvePath("/flag.yaml"); got != "/flag.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := ResolvePath(""); got != "/xdg/tabsync/config.yaml" {
		t.Errorf("XDG fallback = %q", got)
	}

	t.Setenv(EnvConfigPath, "/env.yaml")
	if got := ResolvePath(""); got != "/env.yaml" {
		t.Errorf("env should win over XDG, got %q", got)
	}
}
