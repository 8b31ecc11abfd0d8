// Package config loads the tabsync configuration.
//
// Files are YAML unless their name ends in .toml. ${VAR} references are
// expanded from the environment before parsing, durations are given as Go
// duration strings, and every field has a default:
//
//	server:
//	  http_addr: "127.0.0.1:7420"
//	  hub_url: "http://127.0.0.1:7420"
//	store:
//	  primary_dsn: "sqlite:///home/me/.local/share/tabsync/state.db"
//	  primary_quota_bytes: 102400
//	  operation_timeout: "2s"
//	sync:
//	  reconnect_delay: "500ms"
//	  retry_interval: "2s"
//	  dedupe_ttl: "5m"
//	scopes:
//	  default_id: "firefox-default"
//	  private_prefix: "firefox-private"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// ResolvePath picks the file from the --config flag, $TABSYNC_CONFIG or
// $XDG_CONFIG_HOME/tabsync/config.yaml, in that order.
package config
