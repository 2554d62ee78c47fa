package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"codeloop/internal/logging"
)

// ErrNotFound is returned for an unknown process ID.
var ErrNotFound = errors.New("process not found")

// SafeEnvVars is the whitelist of environment variables passed to commands.
// This prevents leaking sensitive environment variables like API keys.
var SafeEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TMPDIR",
	"TMP",
	"TEMP",
	"XDG_CACHE_HOME",
	"XDG_RUNTIME_DIR",
	"GOPATH",
	"GOROOT",
	"GOPROXY",
	"GOFLAGS",
	"NODE_PATH",
	"NPM_CONFIG_PREFIX",
	"PYTHONPATH",
	"VIRTUAL_ENV",
}

// SafeEnv creates a sanitized environment for command execution.
func SafeEnv() []string {
	env := make([]string, 0, len(SafeEnvVars))
	hasPath := false
	for _, key := range SafeEnvVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
			if key == "PATH" {
				hasPath = true
			}
		}
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}

// Spec describes a local command to start.
type Spec struct {
	Command    string
	Dir        string
	Env        []string
	Background bool
	OnOutput   func(string)
}

// Registry tracks the processes of one sandbox.
type Registry struct {
	mu      sync.RWMutex
	procs   map[string]*Process
	counter int
	// retain is how long exited processes stay listable.
	retain time.Duration
}

// NewRegistry creates an empty registry keeping exited processes for retain.
func NewRegistry(retain time.Duration) *Registry {
	if retain <= 0 {
		retain = 10 * time.Minute
	}
	return &Registry{
		procs:  make(map[string]*Process),
		retain: retain,
	}
}

// Track registers a process driven by the caller, which must feed its
// output through Stdout/Stderr and call Finish. kill may be nil.
func (r *Registry) Track(command, workDir string, background bool, onOutput func(string), kill func() error) *Process {
	r.Cleanup(r.retain)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	id := fmt.Sprintf("proc_%d_%d", time.Now().Unix(), r.counter)
	p := newProcess(id, command, workDir, background, onOutput)
	p.kill = kill
	r.procs[id] = p
	return p
}

// Start runs spec.Command with sh -c in its own process group. The command
// is not bound to any context; it ends on exit or Kill.
func (r *Registry) Start(spec Spec) (*Process, error) {
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = SafeEnv()
	}
	// Set up process group for proper cleanup of child processes
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := r.Track(spec.Command, spec.Dir, spec.Background, spec.OnOutput, func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill process group (negative PID)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	cmd.Stdout = p.Stdout()
	cmd.Stderr = p.Stderr()

	if err := cmd.Start(); err != nil {
		r.Remove(p.ID)
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	logging.Debug("process started", "id", p.ID, "pid", cmd.Process.Pid, "background", spec.Background)

	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		}
		p.Finish(code, err)
		logging.Debug("process exited", "id", p.ID, "exit_code", code)
	}()

	return p, nil
}

// Get returns a process by ID.
func (r *Registry) Get(id string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	return p, ok
}

// List returns all tracked processes, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	result := make([]Info, 0, len(r.procs))
	for _, p := range r.procs {
		result = append(result, p.Info())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return strings.Compare(result[i].ID, result[j].ID) < 0
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// Kill terminates a process by ID.
func (r *Registry) Kill(id string) error {
	p, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Kill()
}

// KillAll terminates every running process.
func (r *Registry) KillAll() {
	r.mu.RLock()
	procs := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.RUnlock()

	for _, p := range procs {
		if err := p.Kill(); err != nil {
			logging.Warn("failed to kill process", "id", p.ID, "error", err)
		}
	}
}

// Cleanup removes processes that exited more than maxAge ago.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	cutoff := time.Now().Add(-maxAge)
	for id, p := range r.procs {
		if p.finishedBefore(cutoff) {
			delete(r.procs, id)
			count++
		}
	}
	return count
}

// Remove drops a process from the registry without killing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}
