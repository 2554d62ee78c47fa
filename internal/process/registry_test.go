package process

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStartStreamsOutput(t *testing.T) {
	r := NewRegistry(time.Minute)
	var mu sync.Mutex
	var chunks []string

	p, err := r.Start(Spec{
		Command: "echo hello; echo oops >&2",
		Dir:     t.TempDir(),
		OnOutput: func(s string) {
			mu.Lock()
			chunks = append(chunks, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	waitDone(t, p)

	out, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "hello\n\nSTDERR:\noops\n", out)
	assert.Equal(t, StatusExited, p.Status())

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(chunks, "")
	assert.Contains(t, joined, "hello\n")
	assert.Contains(t, joined, "oops\n")
	assert.Len(t, joined, len("hello\noops\n"))
}

func TestStartReportsExitCode(t *testing.T) {
	r := NewRegistry(time.Minute)
	p, err := r.Start(Spec{Command: "echo partial; exit 3", Dir: t.TempDir()})
	require.NoError(t, err)
	waitDone(t, p)

	out, err := p.Result()
	assert.Equal(t, "partial\n", out)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, p.Info().ExitCode)
}

func TestKillAndList(t *testing.T) {
	r := NewRegistry(time.Minute)
	p, err := r.Start(Spec{Command: "sleep 30", Dir: t.TempDir(), Background: true})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "running", list[0].Status)
	assert.True(t, list[0].Background)

	require.NoError(t, r.Kill(p.ID))
	waitDone(t, p)
	assert.Equal(t, StatusKilled, p.Status())

	assert.ErrorIs(t, r.Kill("proc_missing"), ErrNotFound)
}

func TestCleanupRemovesExited(t *testing.T) {
	r := NewRegistry(time.Minute)
	p := r.Track("remote", "/srv", false, nil, nil)
	p.Finish(0, nil)

	assert.Equal(t, 0, r.Cleanup(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, r.Cleanup(time.Millisecond))
	_, ok := r.Get(p.ID)
	assert.False(t, ok)
}

func TestOutputTruncated(t *testing.T) {
	out := buildOutput(strings.Repeat("x", maxResultLen+10), "")
	assert.Contains(t, out, "output truncated")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("x", maxResultLen)))
}
