package drain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *chunkRecorder) record(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *chunkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// ticker emits "tick\n" every interval, n times (forever if n < 0), then
// blocks until stop is closed.
func ticker(interval time.Duration, n int, stop <-chan struct{}) ExecFunc {
	return func(ctx context.Context, onOutput OutputFunc) (string, error) {
		for i := 0; n < 0 || i < n; i++ {
			select {
			case <-time.After(interval):
				onOutput("tick\n")
			case <-stop:
				return "", nil
			}
		}
		<-stop
		return "", nil
	}
}

func TestRunCompletes(t *testing.T) {
	c := NewController(Options{})
	rec := &chunkRecorder{}
	c.Register("call-1", rec.record)
	defer c.Unregister("call-1")

	res := c.Run(context.Background(), "call-1", func(ctx context.Context, onOutput OutputFunc) (string, error) {
		onOutput("a")
		onOutput("b")
		return "ab", nil
	}, Options{})

	assert.Equal(t, Completed, res.Resolution)
	assert.Equal(t, "ab", res.Output)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"a", "b"}, rec.chunks)
}

func TestRunCompletesWithBufferWhenNoFinalOutput(t *testing.T) {
	c := NewController(Options{})
	boom := errors.New("exit status 1")

	res := c.Run(context.Background(), "call-1", func(ctx context.Context, onOutput OutputFunc) (string, error) {
		onOutput("partial")
		return "", boom
	}, Options{})

	assert.Equal(t, Completed, res.Resolution)
	assert.Equal(t, "partial", res.Output)
	assert.ErrorIs(t, res.Err, boom)
}

func TestRunIdleTerminates(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	c := NewController(Options{})
	const interval = 20 * time.Millisecond
	const idle = 100 * time.Millisecond

	start := time.Now()
	res := c.Run(context.Background(), "call-1", ticker(interval, 4, stop), Options{
		Timeout:     5 * time.Second,
		IdleTimeout: idle,
	})
	elapsed := time.Since(start)

	require.Equal(t, IdleTerminated, res.Resolution)
	assert.Equal(t, strings.Repeat("tick\n", 4)+IdleMarker(idle), res.Output)
	assert.GreaterOrEqual(t, elapsed, 4*interval+idle)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRunTimesOutAtDeadline(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	c := NewController(Options{})
	const timeout = 150 * time.Millisecond

	start := time.Now()
	res := c.Run(context.Background(), "call-1", ticker(10*time.Millisecond, -1, stop), Options{
		Timeout:     timeout,
		IdleTimeout: time.Second,
	})
	elapsed := time.Since(start)

	require.Equal(t, TimedOut, res.Resolution)
	assert.True(t, strings.HasSuffix(res.Output, TimedOutMarker))
	assert.Contains(t, res.Output, "tick\n")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestLateChunksAreDropped(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	c := NewController(Options{})
	rec := &chunkRecorder{}
	c.Register("call-1", rec.record)
	defer c.Unregister("call-1")

	res := c.Run(context.Background(), "call-1", ticker(5*time.Millisecond, -1, stop), Options{
		Timeout:     50 * time.Millisecond,
		IdleTimeout: time.Second,
	})
	require.Equal(t, TimedOut, res.Resolution)

	time.Sleep(10 * time.Millisecond)
	seen := rec.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, rec.count())
}

func TestSlowCallbackDoesNotDelayDeadline(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	release := make(chan struct{})
	defer close(release)

	c := NewController(Options{})
	c.Register("call-1", func(string) { <-release })
	defer c.Unregister("call-1")

	const timeout = 100 * time.Millisecond
	start := time.Now()
	res := c.Run(context.Background(), "call-1", ticker(5*time.Millisecond, -1, stop), Options{
		Timeout:     timeout,
		IdleTimeout: time.Second,
	})
	elapsed := time.Since(start)

	require.Equal(t, TimedOut, res.Resolution)
	assert.Contains(t, res.Output, "tick\n")
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestRunBackgroundReturnsAfterWindow(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)

	c := NewController(Options{})
	const window = 80 * time.Millisecond

	start := time.Now()
	res := c.Run(context.Background(), "call-1", func(ctx context.Context, onOutput OutputFunc) (string, error) {
		onOutput("listening on :3000\n")
		<-stop
		return "", nil
	}, Options{Background: true, BackgroundWindow: window, IdleTimeout: 10 * time.Millisecond})

	assert.Equal(t, Backgrounded, res.Resolution)
	assert.Equal(t, "listening on :3000\n", res.Output)
	assert.GreaterOrEqual(t, time.Since(start), window)
}

func TestRunIgnoresCancellation(t *testing.T) {
	c := NewController(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Run(ctx, "call-1", func(ctx context.Context, onOutput OutputFunc) (string, error) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	}, Options{})

	assert.Equal(t, Completed, res.Resolution)
	assert.Equal(t, "done", res.Output)
	assert.NoError(t, res.Err)
}

func TestUnregisteredCallbackIsNotCalled(t *testing.T) {
	c := NewController(Options{})
	rec := &chunkRecorder{}
	c.Register("call-1", rec.record)
	c.Unregister("call-1")

	c.Run(context.Background(), "call-1", func(ctx context.Context, onOutput OutputFunc) (string, error) {
		onOutput("x")
		return "x", nil
	}, Options{})

	assert.Zero(t, rec.count())
}

func TestDefaults(t *testing.T) {
	c := NewController(Options{})
	d := c.Defaults()
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.Equal(t, DefaultIdleTimeout, d.IdleTimeout)
	assert.Equal(t, DefaultBackgroundWindow, d.BackgroundWindow)
	assert.Equal(t, "\n[Command terminated - no output for 10s]", IdleMarker(DefaultIdleTimeout))
}
