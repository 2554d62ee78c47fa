package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"codeloop/internal/client"
	"codeloop/internal/drain"
	"codeloop/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) (*sandbox.Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	m := sandbox.NewManager(sandbox.LocalOpener(root, nil))
	t.Cleanup(func() { m.Close() })
	sb, err := m.Get(context.Background(), "demo")
	require.NoError(t, err)
	return sb, filepath.Join(root, "demo")
}

func newTestExecutor(ws Workspace) *Executor {
	ctrl := drain.NewController(drain.Options{})
	return NewExecutor(NewDefaultRegistry(ws, ctrl), ctrl)
}

func call(id, name string, args map[string]any) client.ToolCallRequest {
	return client.ToolCallRequest{CallID: id, Name: name, Args: args}
}

func TestCanonicalize(t *testing.T) {
	tests := map[string]string{
		"bash":              RunShellCommand,
		"run_bash_command":  RunShellCommand,
		"run_shell_command": RunShellCommand,
		"Shell":             RunShellCommand,
		"ls":                ListDirectory,
		"read_file":         ReadFile,
		" grep ":            Grep,
		"mystery":           "mystery",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonicalize(in), in)
	}
	assert.True(t, IsShellTool("bash"))
	assert.False(t, IsShellTool("read_file"))
}

func TestRegistryDeclarations(t *testing.T) {
	r := NewDefaultRegistry(nil, nil)
	assert.Equal(t, []string{
		EditFile, Glob, Grep, ListDirectory, ReadFile, RunShellCommand, WriteFile,
	}, r.Names())

	decls := r.Declarations()
	require.Len(t, decls, 7)
	for _, d := range decls {
		assert.NotEmpty(t, d.Description, d.Name)
		require.NotNil(t, d.Parameters, d.Name)
	}
	assert.Len(t, r.GeminiTools(), 1)
	assert.Error(t, r.Register(NewGlobTool(nil)))
}

func TestUnknownToolIsReported(t *testing.T) {
	ws, _ := newWorkspace(t)
	resp, err := newTestExecutor(ws).Execute(context.Background(), call("c1", "launch_rocket", nil))
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.CallID)
	assert.Equal(t, "unknown tool: launch_rocket", resp.Error)
	assert.Equal(t, "unknown tool: launch_rocket", resp.Text())
}

func TestValidationFailureIsReported(t *testing.T) {
	ws, _ := newWorkspace(t)
	resp, err := newTestExecutor(ws).Execute(context.Background(), call("c1", "read_file", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "validation error: file_path: is required", resp.Error)
}

func TestFileTools(t *testing.T) {
	ws, root := newWorkspace(t)
	e := newTestExecutor(ws)
	ctx := context.Background()

	resp, err := e.Execute(ctx, call("w", "write", map[string]any{
		"file_path": "package.json",
		"content":   "{\n  \"name\": \"demo\"\n}\n",
	}))
	require.NoError(t, err)
	require.Empty(t, resp.Error)
	assert.Equal(t, "Created package.json (22 bytes)", resp.Text())
	fd, ok := resp.ResultDisplay.(FileDiff)
	require.True(t, ok)
	assert.True(t, fd.IsNew)
	assert.Equal(t, 3, fd.Added)

	resp, err = e.Execute(ctx, call("r", "read_file", map[string]any{"file_path": "package.json"}))
	require.NoError(t, err)
	assert.Equal(t, "     1\t{\n     2\t  \"name\": \"demo\"\n     3\t}\n", resp.Text())

	resp, err = e.Execute(ctx, call("e", "edit_file", map[string]any{
		"file_path":  "package.json",
		"old_string": "demo",
		"new_string": "codeloop",
	}))
	require.NoError(t, err)
	require.Empty(t, resp.Error)
	fd = resp.ResultDisplay.(FileDiff)
	assert.Equal(t, 1, fd.Added)
	assert.Equal(t, 1, fd.Removed)
	assert.Contains(t, fd.Diff, "-  \"name\": \"demo\"\n")
	assert.Contains(t, fd.Diff, "+  \"name\": \"codeloop\"\n")

	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "codeloop")

	resp, err = e.Execute(ctx, call("e2", "edit_file", map[string]any{
		"file_path":  "package.json",
		"old_string": "nope",
		"new_string": "x",
	}))
	require.NoError(t, err)
	assert.Equal(t, "old_string not found in file: package.json", resp.Error)

	resp, err = e.Execute(ctx, call("l", "ls", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "package.json\n", resp.Text())

	resp, err = e.Execute(ctx, call("r2", "read_file", map[string]any{"file_path": "../secret"}))
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "outside the workspace")
}

func TestReadPaging(t *testing.T) {
	ws, root := newWorkspace(t)
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		b.WriteString("line\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte(b.String()), 0o644))

	res, err := NewReadTool(ws).Execute(context.Background(), map[string]any{"file_path": "f.txt", "offset": 3, "limit": 2})
	require.NoError(t, err)
	assert.Equal(t, "     3\tline\n     4\tline\n\n[Showing lines 3-4 of 10 total. Use offset=5 to continue reading.]\n", res.Content)

	res, err = NewReadTool(ws).Execute(context.Background(), map[string]any{"file_path": "f.txt", "offset": 50})
	require.NoError(t, err)
	assert.Equal(t, "(offset 50 is beyond end of file, file has 10 lines)", res.Content)
}

func TestGlobAndGrepTools(t *testing.T) {
	ws, root := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.js"), []byte("const a = 1\n"), 0o644))
	ctx := context.Background()

	res, err := NewGlobTool(ws).Execute(ctx, map[string]any{"pattern": "**/*.js"})
	require.NoError(t, err)
	assert.Equal(t, "src/a.js\n", res.Content)

	res, err = NewGlobTool(ws).Execute(ctx, map[string]any{"pattern": "*.py"})
	require.NoError(t, err)
	assert.Equal(t, "(no matches)", res.Content)

	res, err = NewGrepTool(ws).Execute(ctx, map[string]any{"pattern": `const \w+`})
	require.NoError(t, err)
	assert.Equal(t, "src/a.js:1: const a = 1\n", res.Content)
}

func TestShellToolCompletes(t *testing.T) {
	ws, _ := newWorkspace(t)
	e := newTestExecutor(ws)

	var mu sync.Mutex
	var streamed strings.Builder
	ctx := ContextWithStreamingCallback(context.Background(), func(s string) {
		mu.Lock()
		streamed.WriteString(s)
		mu.Unlock()
	})

	resp, err := e.Execute(ctx, call("sh1", "bash", map[string]any{"command": "echo hello"}))
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "hello\n", resp.Text())
	mu.Lock()
	assert.Equal(t, "hello\n", streamed.String())
	mu.Unlock()

	data := resp.ResultDisplay.(map[string]any)
	assert.Equal(t, "completed", data["resolution"])
	assert.Equal(t, 0, data["exit_code"])
}

func TestShellToolNonZeroExit(t *testing.T) {
	ws, _ := newWorkspace(t)
	resp, err := newTestExecutor(ws).Execute(context.Background(), call("sh", "run_shell_command", map[string]any{
		"command": "echo partial; exit 4",
	}))
	require.NoError(t, err)
	assert.Equal(t, "command exited with code 4", resp.Error)
	assert.Equal(t, "partial\n", resp.Text())
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	s := "a" + strings.Repeat("é", maxShellOutput)
	out := truncateOutput(s)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "a"+strings.Repeat("é", (maxShellOutput-1)/2)+"\n... (output truncated"))

	short := strings.Repeat("é", 10)
	assert.Equal(t, short, truncateOutput(short))
}

func TestShellToolBlockedCommand(t *testing.T) {
	ws, _ := newWorkspace(t)
	resp, err := newTestExecutor(ws).Execute(context.Background(), call("sh", "bash", map[string]any{"command": "rm -rf /"}))
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "command blocked")
}

// fakeWorkspace scripts ExecuteCommand and fails everything else.
type fakeWorkspace struct {
	Workspace
	exec func(ctx context.Context, command string, background bool, onOutput func(string)) (string, error)
}

func (f *fakeWorkspace) ExecuteCommand(ctx context.Context, command string, background bool, onOutput func(string)) (string, error) {
	return f.exec(ctx, command, background, onOutput)
}

func TestShellToolIdleTermination(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ws := &fakeWorkspace{exec: func(ctx context.Context, command string, bg bool, onOutput func(string)) (string, error) {
		onOutput("starting\n")
		<-release
		return "", nil
	}}
	ctrl := drain.NewController(drain.Options{IdleTimeout: 50 * time.Millisecond})
	e := NewExecutor(NewDefaultRegistry(ws, ctrl), ctrl)

	resp, err := e.Execute(context.Background(), call("sh", "bash", map[string]any{"command": "npm run dev"}))
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "starting\n"+drain.IdleMarker(50*time.Millisecond), resp.Text())
	assert.Equal(t, "idle_terminated", resp.ResultDisplay.(map[string]any)["resolution"])
}

func TestShellToolBackground(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var gotBackground bool
	ws := &fakeWorkspace{exec: func(ctx context.Context, command string, bg bool, onOutput func(string)) (string, error) {
		gotBackground = bg
		onOutput("listening on :3000\n")
		<-release
		return "", nil
	}}
	ctrl := drain.NewController(drain.Options{BackgroundWindow: 50 * time.Millisecond})
	e := NewExecutor(NewDefaultRegistry(ws, ctrl), ctrl)

	resp, err := e.Execute(context.Background(), call("sh", "bash", map[string]any{
		"command":       "node server.js",
		"is_background": true,
	}))
	require.NoError(t, err)
	assert.True(t, gotBackground)
	assert.Equal(t, "listening on :3000\n\n[Command is running in the background]", resp.Text())
}

func TestShellCallbackUnregistered(t *testing.T) {
	ws := &fakeWorkspace{exec: func(ctx context.Context, command string, bg bool, onOutput func(string)) (string, error) {
		return "", assert.AnError
	}}
	ctrl := drain.NewController(drain.Options{})
	e := NewExecutor(NewDefaultRegistry(ws, ctrl), ctrl)

	called := false
	ctx := ContextWithStreamingCallback(context.Background(), func(string) { called = true })
	resp, err := e.Execute(ctx, call("sh-x", "bash", map[string]any{"command": "false"}))
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "command failed")

	// A later run reusing the ID must not reach the old callback.
	res := ctrl.Run(context.Background(), "sh-x", func(ctx context.Context, onOutput drain.OutputFunc) (string, error) {
		onOutput("late")
		return "late", nil
	}, drain.Options{})
	assert.Equal(t, "late", res.Output)
	assert.False(t, called)
}
