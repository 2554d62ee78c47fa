package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  max_rounds: 5\n")

	reloaded := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	t.Cleanup(func() { stop() })

	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_rounds: 7\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.Orchestrator.MaxRounds)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
