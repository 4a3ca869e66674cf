// Package credentials supplies the Data API keys for a sync run. Keys are
// read on every request and never cached or persisted.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"ytingest/fallback"
)

const (
	// DefaultScope is the key set used when no scope is requested.
	DefaultScope = "default"

	// EnvPrimaryKey and EnvBackupKey are read by EnvProvider.
	EnvPrimaryKey = "YTINGEST_API_KEY"
	EnvBackupKey  = "YTINGEST_BACKUP_API_KEY"

	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// ErrUnknownScope is returned when a credentials file has no key set for
// the requested scope.
var ErrUnknownScope = errors.New("credentials: unknown scope")

// KeySet is the rendered form of one scope in a credentials file.
type KeySet struct {
	Primary string `json:"primary"`
	Backup  string `json:"backup,omitempty"`
}

// EnvProvider reads keys from YTINGEST_API_KEY and YTINGEST_BACKUP_API_KEY.
// The scope is ignored.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an EnvProvider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Credentials implements ingest.CredentialProvider.
func (p *EnvProvider) Credentials(_ context.Context, _ string) (fallback.Credentials, error) {
	primary, _ := p.lookup(EnvPrimaryKey)
	backup, _ := p.lookup(EnvBackupKey)
	return fallback.Credentials{
		Primary: strings.TrimSpace(primary),
		Backup:  strings.TrimSpace(backup),
	}, nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// FileOption configures a FileProvider.
type FileOption func(*FileProvider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FileOption {
	return func(p *FileProvider) {
		p.logger = logger
	}
}

// WithSecretProvider registers a named secret provider as a template function.
func WithSecretProvider(name string, sp SecretProvider) FileOption {
	return func(p *FileProvider) {
		p.providers[name] = sp
	}
}

// FileProvider renders a credentials template file and picks the key set for
// the requested scope. The file is a Go template producing JSON of the form
//
//	{
//	  "default": {"primary": {{ env "YT_KEY" | json }}, "backup": {{ envDefault "YT_BACKUP" "" | json }}},
//	  "archive": {"primary": {{ file "/run/secrets/archive_key" | json }}}
//	}
//
// Built-in functions are env, envDefault, file and json.
type FileProvider struct {
	path      string
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewFileProvider creates a FileProvider for path.
func NewFileProvider(path string, opts ...FileOption) *FileProvider {
	p := &FileProvider{
		path:      path,
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Credentials implements ingest.CredentialProvider. The file is rendered on
// every call so rotated keys are picked up without a restart.
func (p *FileProvider) Credentials(ctx context.Context, scope string) (fallback.Credentials, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return fallback.Credentials{}, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	sets, err := p.render(ctx, f)
	if err != nil {
		return fallback.Credentials{}, err
	}
	if scope == "" {
		scope = DefaultScope
	}
	set, ok := sets[scope]
	if !ok {
		return fallback.Credentials{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	p.logger.Debug("loaded credentials", "scope", scope, "backup", set.Backup != "")
	return fallback.Credentials{
		Primary: strings.TrimSpace(set.Primary),
		Backup:  strings.TrimSpace(set.Backup),
	}, nil
}

// render executes the template read from r and decodes the key sets.
func (p *FileProvider) render(ctx context.Context, r io.Reader) (map[string]KeySet, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(p.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var sets map[string]KeySet
	if err := json.Unmarshal(buf.Bytes(), &sets); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return sets, nil
}

func (p *FileProvider) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, def string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return def
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	memo := make(map[string]string)
	for name, sp := range p.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if v, ok := memo[key]; ok {
				return v, nil
			}
			v, err := sp(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = v
			return v, nil
		}
	}
	return fm
}
