package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENROUTER_API_KEY", "")

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "slidetutor.db", cfg.DB)
	assert.Equal(t, "localhost:8080", cfg.Addr)
	assert.Equal(t, "local", cfg.User)
	assert.Equal(t, "repos", cfg.ReposDir)
	assert.Equal(t, LogConfig{Level: "info", Format: "text"}, cfg.Log)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
	assert.Equal(t, 400*time.Millisecond, cfg.LLM.Backoff)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.LLM.BaseURL)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: from-file.db
addr: 0.0.0.0:9000
user: alice
log:
  level: debug
llm:
  api_key: file-key
  max_attempts: 5
  backoff: 1s
  title: SlideTutor
`), 0o644))

	t.Setenv("SLIDETUTOR_USER", "bob")
	t.Setenv("SLIDETUTOR_LLM__MAX_ATTEMPTS", "2")
	t.Setenv("SLIDETUTOR_LOG__FORMAT", "json")

	cfg, err := Load(newFlags(t, "--config", path, "--db", "from-flag.db"))
	require.NoError(t, err)

	assert.Equal(t, "from-flag.db", cfg.DB, "flag beats file")
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr, "file beats flag default")
	assert.Equal(t, "bob", cfg.User, "env beats file")
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, 2, cfg.LLM.MaxAttempts)
	assert.Equal(t, time.Second, cfg.LLM.Backoff)
	assert.Equal(t, "file-key", cfg.LLM.APIKey)

	client := cfg.LLM.Client()
	assert.Equal(t, "SlideTutor", client.Title)
	assert.Equal(t, 2, client.MaxAttempts)
}

func TestLoadAPIKeyFallback(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENROUTER_API_KEY", "sk-or-123")

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "sk-or-123", cfg.LLM.APIKey)
}

func TestLoadErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(newFlags(t, "--config", "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	_, err = Load(newFlags(t, "--log-level", "loud"))
	assert.ErrorContains(t, err, "invalid config")

	_, err = Load(newFlags(t, "--llm-attempts", "0"))
	assert.ErrorContains(t, err, "invalid config")

	require.NoError(t, os.WriteFile("bad.yaml", []byte("db: [unclosed"), 0o644))
	_, err = Load(newFlags(t, "--config", "bad.yaml"))
	assert.Error(t, err)
}
