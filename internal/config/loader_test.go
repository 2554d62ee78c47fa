package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultCommandTimeout, cfg.Drain.CommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.Drain.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Drain.BackgroundWindow)
	assert.Equal(t, DefaultMaxRounds, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OLLAMA_URL", "http://gpu-box:11434")
	path := writeConfig(t, `
api:
  provider: ollama
  ollama_base_url: ${TEST_OLLAMA_URL}
model:
  name: qwen2.5-coder
drain:
  command_timeout: 30s
store:
  driver: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.API.Provider)
	assert.Equal(t, "http://gpu-box:11434", cfg.API.OllamaBaseURL)
	assert.Equal(t, "qwen2.5-coder", cfg.Model.Name)
	assert.Equal(t, 30*time.Second, cfg.Drain.CommandTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.Drain.IdleTimeout)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "model:\n  name: from-file\n")
	t.Setenv("CODELOOP_MODEL", "from-env")
	t.Setenv("CODELOOP_COMMAND_TIMEOUT_MS", "1500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model.Name)
	assert.Equal(t, 1500*time.Millisecond, cfg.Drain.CommandTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"provider": "api:\n  provider: openai\n",
		"sandbox":  "sandbox:\n  backend: docker\n",
		"ssh":      "sandbox:\n  backend: ssh\n",
		"store":    "store:\n  driver: postgres\n",
		"rounds":   "orchestrator:\n  max_rounds: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			var cfgErr ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "api: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestRequireCredentials(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.RequireCredentials(), ErrMissingAuth)

	cfg.API.GeminiKey = "key"
	assert.NoError(t, cfg.RequireCredentials())

	cfg = DefaultConfig()
	cfg.API.Provider = "ollama"
	assert.NoError(t, cfg.RequireCredentials())
}
