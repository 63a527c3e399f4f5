// Package config handles configuration loading for kioskd.
//
// # Overview
//
// Configuration is loaded once at startup into a *Config and passed to the
// components that need it. Nothing reads configuration from globals.
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	device:
//	  secret: "${KIOSK_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  interval: "5m"
//	  pass_timeout: "30s"
//	  backoff_initial: "10s"
//	  backoff_max: "30m"
//	  probe_interval: "30s"
//	  max_retries: 10
//
// # Configuration Sections
//
//	device:
//	  account_id: 12
//	  branch_id: 3
//	  device_id: "kiosk-7f3a"
//	  device_name: "Front counter"
//	  secret: "${KIOSK_SECRET}"      # signs local session tokens, >= 32 chars
//
//	remote:
//	  base_url: "https://erp.example.com"
//	  api_token: "${KIOSK_API_TOKEN}"
//	  timeout: "30s"
//
//	database:
//	  path: "/var/lib/kioskd/kiosk.db"
//	  driver: "sqlite"                # sqlite (pure Go) or sqlite3 (cgo)
//
//	fiscal:
//	  enabled: true
//	  base_url: "http://127.0.0.1:3566"
//	  timeout: "15s"
//
//	server:
//	  http_addr: "127.0.0.1:7480"     # command API used by the UI
//	  grpc_addr: "127.0.0.1:7481"     # health service
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	session:
//	  ttl: "12h"
package config
