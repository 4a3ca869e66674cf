package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ytingest/fallback"
)

func writeTemplate(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestEnvProvider(t *testing.T) {
	t.Setenv(EnvPrimaryKey, " primary-key ")
	t.Setenv(EnvBackupKey, "backup-key")

	creds, err := NewEnvProvider().Credentials(context.Background(), "ignored")
	require.NoError(t, err)
	require.Equal(t, fallback.Credentials{Primary: "primary-key", Backup: "backup-key"}, creds)
	require.True(t, creds.HasBackup())
}

func TestEnvProvider_NoBackup(t *testing.T) {
	t.Setenv(EnvPrimaryKey, "primary-key")
	t.Setenv(EnvBackupKey, "")

	creds, err := NewEnvProvider().Credentials(context.Background(), "")
	require.NoError(t, err)
	require.False(t, creds.HasBackup())
}

func TestFileProvider_EnvFunctions(t *testing.T) {
	t.Setenv("TEST_YT_PRIMARY", "p-123")

	path := writeTemplate(t, `{
		"default": {
			"primary": {{ env "TEST_YT_PRIMARY" | json }},
			"backup": {{ envDefault "TEST_YT_BACKUP_UNSET" "b-fallback" | json }}
		}
	}`)

	creds, err := NewFileProvider(path).Credentials(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "p-123", creds.Primary)
	require.Equal(t, "b-fallback", creds.Backup)
}

func TestFileProvider_MissingEnv(t *testing.T) {
	path := writeTemplate(t, `{"default": {"primary": {{ env "NONEXISTENT_VAR_XYZ" | json }}}}`)

	_, err := NewFileProvider(path).Credentials(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestFileProvider_FileFunctionAndScopes(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "archive_key")
	require.NoError(t, os.WriteFile(secret, []byte("archive-secret\n"), 0o600))

	path := writeTemplate(t, `{
		"default": {"primary": "d"},
		"archive": {"primary": {{ file "`+secret+`" | json }}}
	}`)
	p := NewFileProvider(path)

	creds, err := p.Credentials(context.Background(), "archive")
	require.NoError(t, err)
	require.Equal(t, "archive-secret", creds.Primary)
	require.Empty(t, creds.Backup)

	_, err = p.Credentials(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrUnknownScope))
}

func TestFileProvider_SecretProviderMemoized(t *testing.T) {
	calls := 0
	vault := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}
	path := writeTemplate(t, `{
		"default": {"primary": {{ vault "k" | json }}, "backup": {{ vault "k" | json }}}
	}`)

	creds, err := NewFileProvider(path, WithSecretProvider("vault", vault)).Credentials(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "resolved-k", creds.Primary)
	require.Equal(t, "resolved-k", creds.Backup)
	require.Equal(t, 1, calls)
}

func TestFileProvider_RereadsFile(t *testing.T) {
	path := writeTemplate(t, `{"default": {"primary": "old"}}`)
	p := NewFileProvider(path)

	creds, err := p.Credentials(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "old", creds.Primary)

	require.NoError(t, os.WriteFile(path, []byte(`{"default": {"primary": "new"}}`), 0o600))
	creds, err = p.Credentials(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "new", creds.Primary)
}

func TestFileProvider_InvalidJSON(t *testing.T) {
	path := writeTemplate(t, `{"default": `)

	_, err := NewFileProvider(path).Credentials(context.Background(), "")
	require.ErrorContains(t, err, "invalid credentials JSON")
}

func TestFileProvider_MissingFile(t *testing.T) {
	_, err := NewFileProvider(filepath.Join(t.TempDir(), "absent")).Credentials(context.Background(), "")
	require.ErrorIs(t, err, os.ErrNotExist)
}
