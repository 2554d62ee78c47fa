// Package process tracks shell commands started in a sandbox so they can be
// listed and killed after the tool call that started them has returned.
package process

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a tracked process.
type Status int

const (
	StatusRunning Status = iota
	StatusExited
	StatusFailed
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// maxOutput caps the retained output per stream; older bytes are dropped.
const maxOutput = 1 << 20

// maxResultLen caps the output returned to the model.
const maxResultLen = 30000

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Process is one tracked command.
type Process struct {
	ID         string
	Command    string
	WorkDir    string
	Background bool
	StartTime  time.Time

	mu       sync.RWMutex
	status   Status
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exitCode int
	err      error
	endTime  time.Time
	onOutput func(string)
	kill     func() error
	done     chan struct{}
}

func newProcess(id, command, workDir string, background bool, onOutput func(string)) *Process {
	return &Process{
		ID:         id,
		Command:    command,
		WorkDir:    workDir,
		Background: background,
		StartTime:  time.Now(),
		status:     StatusRunning,
		onOutput:   onOutput,
		done:       make(chan struct{}),
	}
}

// Stdout returns a writer feeding the process's standard output.
func (p *Process) Stdout() *StreamWriter { return &StreamWriter{p: p} }

// Stderr returns a writer feeding the process's standard error.
func (p *Process) Stderr() *StreamWriter { return &StreamWriter{p: p, stderr: true} }

// StreamWriter appends to one output stream and relays each chunk.
type StreamWriter struct {
	p      *Process
	stderr bool
}

func (w *StreamWriter) Write(b []byte) (int, error) {
	p := w.p
	p.mu.Lock()
	buf := &p.stdout
	if w.stderr {
		buf = &p.stderr
	}
	buf.Write(b)
	if over := buf.Len() - maxOutput; over > 0 {
		buf.Next(over)
	}
	cb := p.onOutput
	p.mu.Unlock()

	if cb != nil {
		cb(string(b))
	}
	return len(b), nil
}

// Finish records the exit of the process. err is the wait error, if any.
func (p *Process) Finish(exitCode int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	p.endTime = time.Now()
	p.exitCode = exitCode
	switch {
	case p.status == StatusKilled:
	case err != nil && exitCode == 0:
		p.status = StatusFailed
		p.err = err
	case exitCode != 0:
		p.status = StatusExited
		p.err = &ExitError{Code: exitCode}
	default:
		p.status = StatusExited
	}
	close(p.done)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Kill terminates the process.
func (p *Process) Kill() error {
	p.mu.Lock()
	if p.status != StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusKilled
	kill := p.kill
	p.mu.Unlock()

	if kill == nil {
		return nil
	}
	return kill()
}

// Status returns the current status.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Output returns stdout followed by a STDERR section, truncated for the model.
func (p *Process) Output() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return buildOutput(p.stdout.String(), p.stderr.String())
}

// Result returns the output and the exit error once the process is done.
func (p *Process) Result() (string, error) {
	out := p.Output()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return out, p.err
}

func buildOutput(stdoutStr, stderrStr string) string {
	var output strings.Builder

	if len(stdoutStr) > 0 {
		output.WriteString(stdoutStr)
	}

	if len(stderrStr) > 0 {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n")
		output.WriteString(stderrStr)
	}

	result := output.String()
	if len(result) > maxResultLen {
		totalLen := len(result)
		result = result[:maxResultLen] + fmt.Sprintf("\n... (output truncated: showing %d of %d characters)", maxResultLen, totalLen)
	}
	return result
}

// Info is a snapshot of a process for listing.
type Info struct {
	ID         string        `json:"id"`
	Command    string        `json:"command"`
	Status     string        `json:"status"`
	Background bool          `json:"background"`
	ExitCode   int           `json:"exit_code"`
	Output     string        `json:"output,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time,omitzero"`
	Duration   time.Duration `json:"duration"`
}

// Info returns a snapshot of the process.
func (p *Process) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	end := p.endTime
	dur := time.Since(p.StartTime)
	if !end.IsZero() {
		dur = end.Sub(p.StartTime)
	}
	return Info{
		ID:         p.ID,
		Command:    p.Command,
		Status:     p.status.String(),
		Background: p.Background,
		ExitCode:   p.exitCode,
		Output:     tail(buildOutput(p.stdout.String(), p.stderr.String()), 2000),
		StartTime:  p.StartTime,
		EndTime:    end,
		Duration:   dur,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (p *Process) finishedBefore(t time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status != StatusRunning && !p.endTime.IsZero() && p.endTime.Before(t)
}
