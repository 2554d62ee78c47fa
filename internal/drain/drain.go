// Package drain bounds the output collection window of one command.
//
// A foreground run resolves exactly once: when the command completes, when
// the absolute deadline passes, or when no output arrives for the idle
// window. A background run collects output for a fixed warm-up window and
// returns while the process keeps running.
package drain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"codeloop/internal/logging"
)

// TimedOutMarker is appended to output when the absolute deadline passes.
const TimedOutMarker = "\n[Command timed out]"

// IdleMarker returns the suffix appended when a command goes silent for d.
func IdleMarker(d time.Duration) string {
	return fmt.Sprintf("\n[Command terminated - no output for %v]", d)
}

// Default windows.
const (
	DefaultTimeout          = 120 * time.Second
	DefaultIdleTimeout      = 10 * time.Second
	DefaultBackgroundWindow = 5 * time.Second
)

// Resolution is how a run ended.
type Resolution int

const (
	Completed Resolution = iota
	TimedOut
	IdleTerminated
	Backgrounded
)

func (r Resolution) String() string {
	switch r {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case IdleTerminated:
		return "idle_terminated"
	case Backgrounded:
		return "backgrounded"
	default:
		return "unknown"
	}
}

// OutputFunc receives output chunks as they are produced.
type OutputFunc func(chunk string)

// ExecFunc starts a command and blocks until it exits, reporting chunks
// through onOutput. It returns the final output.
type ExecFunc func(ctx context.Context, onOutput OutputFunc) (string, error)

// Options configure one run. Zero values take the controller defaults.
type Options struct {
	Timeout          time.Duration
	IdleTimeout      time.Duration
	Background       bool
	BackgroundWindow time.Duration
}

// Result is the single resolution of a run.
type Result struct {
	Output     string
	Resolution Resolution
	// Err is the command's own error when it completed first.
	Err error
}

// Controller runs commands under drain windows and relays their output to
// the callback registered for the call ID.
type Controller struct {
	defaults Options

	mu        sync.RWMutex
	callbacks map[string]OutputFunc
}

// NewController returns a controller using defaults for unset options.
func NewController(defaults Options) *Controller {
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	if defaults.IdleTimeout <= 0 {
		defaults.IdleTimeout = DefaultIdleTimeout
	}
	if defaults.BackgroundWindow <= 0 {
		defaults.BackgroundWindow = DefaultBackgroundWindow
	}
	return &Controller{
		defaults:  defaults,
		callbacks: make(map[string]OutputFunc),
	}
}

// Defaults returns the controller's default options.
func (c *Controller) Defaults() Options {
	return c.defaults
}

// Register sets the output callback for callID, replacing any previous one.
func (c *Controller) Register(callID string, fn OutputFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[callID] = fn
}

// Unregister removes the output callback for callID.
func (c *Controller) Unregister(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, callID)
}

func (c *Controller) callback(callID string) OutputFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callbacks[callID]
}

func (c *Controller) withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = c.defaults.IdleTimeout
	}
	if opts.BackgroundWindow <= 0 {
		opts.BackgroundWindow = c.defaults.BackgroundWindow
	}
	return opts
}

// run is the buffer shared between the command goroutine and Run.
type run struct {
	ctrl     *Controller
	callID   string
	mu       sync.Mutex
	buf      strings.Builder
	resolved bool
	activity chan struct{}
	// sendMu keeps forwarded chunks in order without holding mu, so a slow
	// callback never delays resolution.
	sendMu sync.Mutex
}

// onOutput appends chunk and forwards it. Chunks after resolution are dropped.
func (r *run) onOutput(chunk string) {
	if chunk == "" {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.buf.WriteString(chunk)
	r.mu.Unlock()

	select {
	case r.activity <- struct{}{}:
	default:
	}

	if cb := r.ctrl.callback(r.callID); cb != nil && !r.isResolved() {
		cb(chunk)
	}
}

func (r *run) isResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

func (r *run) buffered() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String(), r.buf.Len()
}

func (r *run) resolve(res Result) Result {
	r.mu.Lock()
	r.resolved = true
	r.mu.Unlock()
	return res
}

type execResult struct {
	output string
	err    error
}

// Run executes exec under the drain windows. The command runs on a context
// that ignores cancellation; a dispatched command is never killed here.
func (c *Controller) Run(ctx context.Context, callID string, exec ExecFunc, opts Options) Result {
	opts = c.withDefaults(opts)
	r := &run{ctrl: c, callID: callID, activity: make(chan struct{}, 1)}

	done := make(chan execResult, 1)
	execCtx := context.WithoutCancel(ctx)
	go func() {
		out, err := exec(execCtx, r.onOutput)
		done <- execResult{out, err}
	}()

	if opts.Background {
		return c.runBackground(r, done, opts)
	}
	return c.runForeground(r, done, opts)
}

func (c *Controller) runForeground(r *run, done <-chan execResult, opts Options) Result {
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	lastLen := 0
	for {
		select {
		case res := <-done:
			out := res.output
			r.mu.Lock()
			if out == "" {
				out = r.buf.String()
			}
			r.mu.Unlock()
			return r.resolve(Result{Output: out, Resolution: Completed, Err: res.err})

		case <-deadline.C:
			out, _ := r.buffered()
			logging.Warn("command exceeded deadline", "call_id", r.callID, "timeout", opts.Timeout)
			return r.resolve(Result{Output: out + TimedOutMarker, Resolution: TimedOut})

		case <-r.activity:
			_, lastLen = r.buffered()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

		case <-idle.C:
			out, n := r.buffered()
			if n == lastLen {
				logging.Info("command went idle", "call_id", r.callID, "idle", opts.IdleTimeout)
				return r.resolve(Result{Output: out + IdleMarker(opts.IdleTimeout), Resolution: IdleTerminated})
			}
			lastLen = n
			idle.Reset(opts.IdleTimeout)
		}
	}
}

func (c *Controller) runBackground(r *run, done <-chan execResult, opts Options) Result {
	window := time.NewTimer(opts.BackgroundWindow)
	defer window.Stop()

	select {
	case res := <-done:
		out := res.output
		r.mu.Lock()
		if out == "" {
			out = r.buf.String()
		}
		r.mu.Unlock()
		return r.resolve(Result{Output: out, Resolution: Completed, Err: res.err})
	case <-window.C:
		out, _ := r.buffered()
		logging.Debug("background command detached", "call_id", r.callID)
		return r.resolve(Result{Output: out, Resolution: Backgrounded})
	}
}
