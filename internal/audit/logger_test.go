package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestLogWritesSanitizedLine(t *testing.T) {
	buf := &bufferCloser{}
	l := newLogger(buf, Config{MaxEntries: 10, MaxResultLen: 20})

	e := NewEntry("conv-1", "demo", "call_1", "run_shell_command", map[string]any{
		"command":  "curl -H 'Authorization: Bearer abcdefghijklmnop' x",
		"password": "hunter2",
	})
	e.Complete(strings.Repeat("x", 50), true, "", 1500*time.Millisecond)
	require.NoError(t, l.Log(e))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "run_shell_command", decoded["tool_name"])
	assert.Equal(t, float64(1500), decoded["duration_ms"])
	args := decoded["args"].(map[string]any)
	assert.Equal(t, "[REDACTED]", args["password"])
	assert.NotContains(t, args["command"], "abcdefghijklmnop")
	assert.Equal(t, strings.Repeat("x", 20)+"...[truncated]", decoded["result"])

	require.NoError(t, l.Close())
	assert.True(t, buf.closed)
}

func TestQueryAndTrim(t *testing.T) {
	l := newLogger(&bufferCloser{}, Config{MaxEntries: 3})
	for i, name := range []string{"read_file", "grep", "read_file", "glob"} {
		e := NewEntry("conv", "demo", "c", name, nil)
		e.Complete("ok", i%2 == 0, "", 0)
		require.NoError(t, l.Log(e))
	}
	assert.Equal(t, 3, l.Len())

	assert.Len(t, l.Query(QueryFilter{ToolName: "read_file"}), 1)
	failed := false
	assert.Len(t, l.Query(QueryFilter{Success: &failed}), 2)
	assert.Len(t, l.Query(QueryFilter{Limit: 1}), 1)
}

func TestDisabledLogger(t *testing.T) {
	l, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, l.Log(NewEntry("c", "p", "id", "grep", nil)))
	assert.Equal(t, 0, l.Len())
	assert.NoError(t, l.Close())
}

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Log(NewEntry("c", "p", "id", "grep", map[string]any{"pattern": "x"})))
	require.NoError(t, l.Close())

	f, err := os.Open(filepath.Join(dir, "tools.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var e Entry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
	assert.Equal(t, "grep", e.ToolName)
	assert.Equal(t, "id", e.CallID)
}
