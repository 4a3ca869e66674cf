// Package config manages application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ytingest/internal/retry"
)

// Quota backends accepted by quota_backend.
const (
	QuotaBackendBolt     = "bolt"
	QuotaBackendMemory   = "memory"
	QuotaBackendPostgres = "postgres"
)

// FileName is the config file looked up in the working directory and in
// ~/.config/ytingest.
const FileName = "ytingest.yaml"

// Duration is a time.Duration written as a Go duration string ("30s", "1h")
// in YAML.
type Duration time.Duration

// UnmarshalYAML accepts duration strings. A bare integer is read as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if n, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	// DataDir holds the content store and the state database unless their
	// paths are set explicitly.
	DataDir string `yaml:"data_dir"`
	// StorePath is the JSON content store (default: <data_dir>/store.json).
	StorePath string `yaml:"store_path"`
	// StatePath is the bbolt database for quota state and the response cache
	// (default: <data_dir>/state.db).
	StatePath string `yaml:"state_path"`

	// QuotaBackend selects where key quota state lives: bolt, memory or postgres.
	QuotaBackend string `yaml:"quota_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	// CredentialsFile is a credentials template. When empty, keys come from
	// YTINGEST_API_KEY and YTINGEST_BACKUP_API_KEY.
	CredentialsFile string `yaml:"credentials_file"`
	CredentialScope string `yaml:"credential_scope"`

	// MaxItems is how many recent uploads a sync inspects per channel.
	MaxItems       int      `yaml:"max_items"`
	RequestTimeout Duration `yaml:"request_timeout"`
	// APIRPS paces Data API requests. Zero disables pacing.
	APIRPS      float64 `yaml:"api_rps"`
	APIEndpoint string  `yaml:"api_endpoint"`

	SyncInterval Duration `yaml:"sync_interval"`
	MetricsAddr  string   `yaml:"metrics_addr"`
	// OTLPEndpoint is an OTLP gRPC collector for daemon metrics.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Retry settings for establishing the Postgres connection.
	MaxRetries        int      `yaml:"max_retries"`
	InitialBackoff    Duration `yaml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:           defaultDataDir(),
		QuotaBackend:      QuotaBackendBolt,
		CredentialScope:   "default",
		MaxItems:          50,
		RequestTimeout:    Duration(30 * time.Second),
		APIRPS:            5,
		SyncInterval:      Duration(time.Hour),
		LogLevel:          "info",
		LogFormat:         "text",
		MaxRetries:        3,
		InitialBackoff:    Duration(time.Second),
		MaxBackoff:        Duration(30 * time.Second),
		BackoffMultiplier: 2.0,
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "ytingest")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "ytingest")
}

// Load loads configuration from environment variables, a config file, and
// defaults. Priority: env vars > config file > defaults. An explicit path
// must exist; otherwise the file is optional.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if err := cfg.loadFromSearchPath(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := cfg.loadFromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromSearchPath() error {
	paths := []string{
		FileName,
		filepath.Join(os.Getenv("HOME"), ".config", "ytingest", FileName),
	}
	for _, path := range paths {
		err := c.loadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return err
	}
	return os.ErrNotExist
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides config with YTINGEST_* environment variables.
// Malformed numeric or duration values are errors rather than being ignored.
func (c *Config) loadFromEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("YTINGEST_DATA_DIR", &c.DataDir)
	str("YTINGEST_STORE_PATH", &c.StorePath)
	str("YTINGEST_STATE_PATH", &c.StatePath)
	str("YTINGEST_QUOTA_BACKEND", &c.QuotaBackend)
	str("YTINGEST_POSTGRES_DSN", &c.PostgresDSN)
	str("YTINGEST_CREDENTIALS_FILE", &c.CredentialsFile)
	str("YTINGEST_CREDENTIAL_SCOPE", &c.CredentialScope)
	integer("YTINGEST_MAX_ITEMS", &c.MaxItems)
	duration("YTINGEST_REQUEST_TIMEOUT", &c.RequestTimeout)
	float("YTINGEST_API_RPS", &c.APIRPS)
	str("YTINGEST_API_ENDPOINT", &c.APIEndpoint)
	duration("YTINGEST_SYNC_INTERVAL", &c.SyncInterval)
	str("YTINGEST_METRICS_ADDR", &c.MetricsAddr)
	str("YTINGEST_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("YTINGEST_LOG_LEVEL", &c.LogLevel)
	str("YTINGEST_LOG_FORMAT", &c.LogFormat)
	integer("YTINGEST_MAX_RETRIES", &c.MaxRetries)
	duration("YTINGEST_INITIAL_BACKOFF", &c.InitialBackoff)
	duration("YTINGEST_MAX_BACKOFF", &c.MaxBackoff)
	float("YTINGEST_BACKOFF_MULTIPLIER", &c.BackoffMultiplier)

	return errors.Join(errs...)
}

func (c *Config) resolvePaths() {
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "store.json")
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.DataDir, "state.db")
	}
}

// Validate checks that configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.QuotaBackend {
	case QuotaBackendBolt, QuotaBackendMemory:
	case QuotaBackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres_dsn is required when quota_backend is postgres")
		}
	default:
		return fmt.Errorf("quota_backend must be one of bolt, memory, postgres (got %q)", c.QuotaBackend)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path must be set")
	}
	if c.QuotaBackend == QuotaBackendBolt && c.StatePath == "" {
		return fmt.Errorf("state_path must be set")
	}
	if c.MaxItems <= 0 {
		return fmt.Errorf("max_items must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.APIRPS < 0 {
		return fmt.Errorf("api_rps must be non-negative")
	}
	if c.SyncInterval < Duration(time.Minute) {
		return fmt.Errorf("sync_interval must be at least 1m")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff must be >= initial_backoff")
	}
	if c.BackoffMultiplier <= 1 {
		return fmt.Errorf("backoff_multiplier must be > 1")
	}
	return nil
}

// RetryConfig returns the connection retry settings.
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = c.MaxRetries
	cfg.InitialBackoff = c.InitialBackoff.Std()
	cfg.MaxBackoff = c.MaxBackoff.Std()
	cfg.Multiplier = c.BackoffMultiplier
	return cfg
}
