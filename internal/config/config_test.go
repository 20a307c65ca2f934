package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.RetryPolicy().InitialInterval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/warden/ledger.db
lawbook:
  id: factory
store:
  retry:
    max_attempts: 8
    initial_interval: 50ms
    max_interval: 2s
log:
  format: json
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/warden/ledger.db", cfg.Database.Path)
	assert.Equal(t, "factory", cfg.Lawbook.ID)
	assert.Equal(t, "default", cfg.Policy.TemplateID)
	assert.Equal(t, 8, cfg.Store.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Store.Retry.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Store.Retry.MaxInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "lawbook:\n  id: from-file\n")
	t.Setenv("WARDEN_LAWBOOK_ID", "from-env")
	t.Setenv("WARDEN_STORE_RETRY_MAX_ATTEMPTS", "3")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Lawbook.ID)
	assert.Equal(t, 3, cfg.Store.Retry.MaxAttempts)
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("WARDEN_DATABASE_PATH", "env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	require.NoError(t, flags.Parse([]string{"--db", "flag.db"}))

	v := New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.Database.Path)
}

func TestUnsetFlagKeepsEnv(t *testing.T) {
	t.Setenv("WARDEN_DATABASE_PATH", "env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	flags.String("lawbook", "", "")
	require.NoError(t, flags.Parse(nil))

	v := New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.Equal(t, "default", cfg.Lawbook.ID)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = ""
	cfg.Store.Retry.MaxAttempts = 0
	cfg.Store.Retry.MaxInterval = time.Millisecond
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"

	errs := cfg.Validate()
	require.Len(t, errs, 5)
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	assert.Equal(t, []string{
		"database.path",
		"store.retry.max_attempts",
		"store.retry.max_interval",
		"log.level",
		"log.format",
	}, fields)
	assert.Contains(t, errs.Error(), "5 invalid settings")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "log:\n  level: chatty\n")
	_, err := Load(New(), path)
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "log.level", verrs[0].Field)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
