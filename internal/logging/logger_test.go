package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestConfigureWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(LevelDebug, &buf)
	t.Cleanup(func() { Configure(LevelInfo, nil) })

	With("task_id", "t1").Debug("round started", "round", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "round started", rec["msg"])
	assert.Equal(t, "t1", rec["task_id"])
	assert.EqualValues(t, 2, rec["round"])
}

func TestConfigureFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(LevelWarn, &buf)
	t.Cleanup(func() { Configure(LevelInfo, nil) })

	Info("dropped")
	assert.Zero(t, buf.Len())

	Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestEnableFileLogging(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnableFileLogging(dir, LevelInfo, RotationConfig{}))
	t.Cleanup(func() {
		Close()
		Configure(LevelInfo, nil)
	})

	Info("to file")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "codeloop.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
