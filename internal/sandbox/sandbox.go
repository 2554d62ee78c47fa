// Package sandbox gives tool calls an isolated workspace per project, either
// a local directory or a directory on a remote host reached over SSH.
package sandbox

import (
	"context"
	"sync"
	"time"

	"codeloop/internal/process"
	"codeloop/internal/security"
)

// ErrPathOutsideWorkspace is returned for a path escaping the workspace.
var ErrPathOutsideWorkspace = security.ErrOutsideWorkspace

// Entry is one directory listing entry.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// GrepOptions describe a content search.
type GrepOptions struct {
	Pattern    string
	Path       string
	Include    string
	IgnoreCase bool
	MaxMatches int
}

// Match is one matching line.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Backend is a workspace implementation. Paths are relative to the
// workspace root; absolute paths must still resolve inside it.
type Backend interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	// Glob returns workspace-relative file paths matching pattern under dir,
	// newest first.
	Glob(ctx context.Context, pattern, dir string) ([]string, error)
	Grep(ctx context.Context, opts GrepOptions) ([]Match, error)
	// StartCommand starts command in the workspace root. The process is not
	// bound to ctx.
	StartCommand(ctx context.Context, command string, background bool, onOutput func(string)) (*process.Process, error)
	Processes() *process.Registry
	Close() error
}

// Sandbox is the workspace of one project. Operations are serialized; a
// command holds the lock only while it starts.
type Sandbox struct {
	project string
	backend Backend
	mu      sync.Mutex
}

func newSandbox(project string, backend Backend) *Sandbox {
	return &Sandbox{project: project, backend: backend}
}

// Project returns the project identifier.
func (s *Sandbox) Project() string {
	return s.project
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.ReadFile(ctx, path)
}

func (s *Sandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.WriteFile(ctx, path, data)
}

func (s *Sandbox) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.ListDirectory(ctx, path)
}

func (s *Sandbox) Glob(ctx context.Context, pattern, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Glob(ctx, pattern, dir)
}

func (s *Sandbox) Grep(ctx context.Context, opts GrepOptions) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Grep(ctx, opts)
}

// ExecuteCommand runs command and blocks until it exits or ctx ends,
// relaying output chunks to onOutput. Background processes are tracked in
// the process registry either way.
func (s *Sandbox) ExecuteCommand(ctx context.Context, command string, background bool, onOutput func(string)) (string, error) {
	s.mu.Lock()
	p, err := s.backend.StartCommand(ctx, command, background, onOutput)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		return p.Output(), ctx.Err()
	}
}

// Processes returns the project's process registry.
func (s *Sandbox) Processes() *process.Registry {
	return s.backend.Processes()
}

// Close kills tracked processes and releases the backend.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.Processes().KillAll()
	return s.backend.Close()
}
