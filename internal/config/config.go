// ABOUTME: Configuration loading and parsing for kioskd
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultRemoteTimeout  = 30 * time.Second
	DefaultSyncInterval   = 5 * time.Minute
	DefaultPassTimeout    = 30 * time.Second
	DefaultBackoffInitial = 10 * time.Second
	DefaultBackoffMax     = 30 * time.Minute
	DefaultProbeInterval  = 30 * time.Second
	DefaultMaxRetries     = 10
	DefaultFiscalTimeout  = 15 * time.Second
	DefaultSessionTTL     = 12 * time.Hour
	DefaultDriver         = "sqlite"

	// MinSecretLength is the minimum device secret length used to sign sessions
	MinSecretLength = 32
)

// Config represents the complete kioskd configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device" toml:"device"`
	Remote   RemoteConfig   `yaml:"remote" toml:"remote"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Fiscal   FiscalConfig   `yaml:"fiscal" toml:"fiscal"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
}

// DeviceConfig identifies the kiosk. AccountID and BranchID may be left at 0
// until the device is registered; device settings stored locally override them.
type DeviceConfig struct {
	AccountID  int64  `yaml:"account_id" toml:"account_id"`
	BranchID   int64  `yaml:"branch_id" toml:"branch_id"`
	DeviceID   string `yaml:"device_id" toml:"device_id"`
	DeviceName string `yaml:"device_name" toml:"device_name"`
	Secret     string `yaml:"secret" toml:"secret"` // signs local session tokens
}

// RemoteConfig holds the ERP backend endpoint
type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url" toml:"base_url"`
	APIToken string        `yaml:"api_token" toml:"api_token"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// SyncConfig holds sync orchestrator timing
type SyncConfig struct {
	Interval       time.Duration `yaml:"-" toml:"-"`
	PassTimeout    time.Duration `yaml:"-" toml:"-"`
	BackoffInitial time.Duration `yaml:"-" toml:"-"`
	BackoffMax     time.Duration `yaml:"-" toml:"-"`
	ProbeInterval  time.Duration `yaml:"-" toml:"-"`
	MaxRetries     int           `yaml:"max_retries" toml:"max_retries"`

	// Raw string values for unmarshaling
	IntervalRaw       string `yaml:"interval" toml:"interval"`
	PassTimeoutRaw    string `yaml:"pass_timeout" toml:"pass_timeout"`
	BackoffInitialRaw string `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMaxRaw     string `yaml:"backoff_max" toml:"backoff_max"`
	ProbeIntervalRaw  string `yaml:"probe_interval" toml:"probe_interval"`
}

// FiscalConfig holds the fiscal printer service endpoint
type FiscalConfig struct {
	Enabled bool          `yaml:"enabled" toml:"enabled"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ServerConfig holds local listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SessionConfig holds cashier session settings
type SessionConfig struct {
	TTL time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
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
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default filled in.
// Device identity and secret are left empty for the caller to set.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: "kiosk.db"},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:7480",
			GRPCAddr: "127.0.0.1:7481",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Save writes the configuration as YAML, keeping raw duration strings in sync.
// The file is created with owner-only permissions because it holds secrets.
func (c *Config) Save(path string) error {
	c.Remote.TimeoutRaw = c.Remote.Timeout.String()
	c.Sync.IntervalRaw = c.Sync.Interval.String()
	c.Sync.PassTimeoutRaw = c.Sync.PassTimeout.String()
	c.Sync.BackoffInitialRaw = c.Sync.BackoffInitial.String()
	c.Sync.BackoffMaxRaw = c.Sync.BackoffMax.String()
	c.Sync.ProbeIntervalRaw = c.Sync.ProbeInterval.String()
	c.Fiscal.TimeoutRaw = c.Fiscal.Timeout.String()
	c.Session.TTLRaw = c.Session.TTL.String()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
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

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Sync.PassTimeout == 0 {
		c.Sync.PassTimeout = DefaultPassTimeout
	}
	if c.Sync.BackoffInitial == 0 {
		c.Sync.BackoffInitial = DefaultBackoffInitial
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = DefaultBackoffMax
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = DefaultProbeInterval
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Fiscal.Timeout == 0 {
		c.Fiscal.Timeout = DefaultFiscalTimeout
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Device.Secret) < MinSecretLength {
		return fmt.Errorf("device.secret must be at least %d characters", MinSecretLength)
	}

	if c.Remote.BaseURL != "" {
		if err := validateHTTPURL("remote.base_url", c.Remote.BaseURL); err != nil {
			return err
		}
	}
	if c.Fiscal.Enabled {
		if c.Fiscal.BaseURL == "" {
			return fmt.Errorf("fiscal.base_url is required when fiscal is enabled")
		}
		if err := validateHTTPURL("fiscal.base_url", c.Fiscal.BaseURL); err != nil {
			return err
		}
	}

	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout},
		{"sync.interval", c.Sync.Interval},
		{"sync.pass_timeout", c.Sync.PassTimeout},
		{"sync.backoff_initial", c.Sync.BackoffInitial},
		{"sync.backoff_max", c.Sync.BackoffMax},
		{"sync.probe_interval", c.Sync.ProbeInterval},
		{"fiscal.timeout", c.Fiscal.Timeout},
		{"session.ttl", c.Session.TTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("sync.backoff_max must not be less than sync.backoff_initial")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
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
		{"remote.timeout", cfg.Remote.TimeoutRaw, &cfg.Remote.Timeout},
		{"sync.interval", cfg.Sync.IntervalRaw, &cfg.Sync.Interval},
		{"sync.pass_timeout", cfg.Sync.PassTimeoutRaw, &cfg.Sync.PassTimeout},
		{"sync.backoff_initial", cfg.Sync.BackoffInitialRaw, &cfg.Sync.BackoffInitial},
		{"sync.backoff_max", cfg.Sync.BackoffMaxRaw, &cfg.Sync.BackoffMax},
		{"sync.probe_interval", cfg.Sync.ProbeIntervalRaw, &cfg.Sync.ProbeInterval},
		{"fiscal.timeout", cfg.Fiscal.TimeoutRaw, &cfg.Fiscal.Timeout},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
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
