package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.MaxItems != 50 {
		t.Errorf("MaxItems = %d, want 50", cfg.MaxItems)
	}
	if cfg.StorePath != filepath.Join(cfg.DataDir, "store.json") {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.StatePath != filepath.Join(cfg.DataDir, "state.db") {
		t.Errorf("StatePath = %q", cfg.StatePath)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	body := `
data_dir: /var/lib/ytingest
quota_backend: memory
max_items: 25
request_timeout: 10s
sync_interval: 15m
api_rps: 2.5
initial_backoff: 2
log_format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QuotaBackend != QuotaBackendMemory {
		t.Errorf("QuotaBackend = %q", cfg.QuotaBackend)
	}
	if cfg.MaxItems != 25 {
		t.Errorf("MaxItems = %d, want 25", cfg.MaxItems)
	}
	if cfg.RequestTimeout.Std() != 10*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout.Std())
	}
	if cfg.SyncInterval.Std() != 15*time.Minute {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval.Std())
	}
	if cfg.InitialBackoff.Std() != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want 2s for a bare integer", cfg.InitialBackoff.Std())
	}
	if cfg.APIRPS != 2.5 {
		t.Errorf("APIRPS = %v", cfg.APIRPS)
	}
	if cfg.StorePath != "/var/lib/ytingest/store.json" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	// Unset keys keep their defaults.
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.MaxRetries)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() with missing explicit path should fail")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("sync_interval: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("Load() error = %v, want a parse error naming the line", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte("max_items: 10\nquota_backend: memory\n"), cfg); err != nil {
		t.Fatal(err)
	}

	err := cfg.loadFromEnv(envMap(map[string]string{
		"YTINGEST_MAX_ITEMS":        "75",
		"YTINGEST_QUOTA_BACKEND":    "postgres",
		"YTINGEST_POSTGRES_DSN":     "postgres://localhost/yt",
		"YTINGEST_SYNC_INTERVAL":    "2h",
		"YTINGEST_API_RPS":          "0",
		"YTINGEST_CREDENTIAL_SCOPE": "",
	}))
	if err != nil {
		t.Fatalf("loadFromEnv() error = %v", err)
	}
	if cfg.MaxItems != 75 {
		t.Errorf("MaxItems = %d, want 75", cfg.MaxItems)
	}
	if cfg.QuotaBackend != QuotaBackendPostgres || cfg.PostgresDSN == "" {
		t.Errorf("postgres settings not applied: %q %q", cfg.QuotaBackend, cfg.PostgresDSN)
	}
	if cfg.SyncInterval.Std() != 2*time.Hour {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval.Std())
	}
	if cfg.APIRPS != 0 {
		t.Errorf("APIRPS = %v, want 0", cfg.APIRPS)
	}
	if cfg.CredentialScope != "default" {
		t.Errorf("empty env value should not override, got %q", cfg.CredentialScope)
	}
}

func TestEnvMalformed(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.loadFromEnv(envMap(map[string]string{
		"YTINGEST_MAX_ITEMS":       "many",
		"YTINGEST_REQUEST_TIMEOUT": "30",
	}))
	if err == nil {
		t.Fatal("loadFromEnv() should reject malformed values")
	}
	for _, name := range []string{"YTINGEST_MAX_ITEMS", "YTINGEST_REQUEST_TIMEOUT"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.QuotaBackend = "redis" }, "quota_backend"},
		{"postgres without dsn", func(c *Config) { c.QuotaBackend = QuotaBackendPostgres }, "postgres_dsn"},
		{"zero max items", func(c *Config) { c.MaxItems = 0 }, "max_items"},
		{"negative rps", func(c *Config) { c.APIRPS = -1 }, "api_rps"},
		{"short interval", func(c *Config) { c.SyncInterval = Duration(time.Second) }, "sync_interval"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"backoff order", func(c *Config) { c.MaxBackoff = Duration(time.Millisecond) }, "max_backoff"},
		{"multiplier", func(c *Config) { c.BackoffMultiplier = 1 }, "backoff_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.resolvePaths()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 7
	cfg.InitialBackoff = Duration(250 * time.Millisecond)

	rc := cfg.RetryConfig()
	if rc.MaxRetries != 7 || rc.InitialBackoff != 250*time.Millisecond {
		t.Errorf("RetryConfig() = %+v", rc)
	}
	if rc.Multiplier != cfg.BackoffMultiplier {
		t.Errorf("Multiplier = %v", rc.Multiplier)
	}
}
