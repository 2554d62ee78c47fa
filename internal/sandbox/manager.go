package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"codeloop/internal/config"
	"codeloop/internal/logging"
	"codeloop/internal/security"
)

// ErrInvalidProject is returned for a project identifier that cannot name a
// workspace directory.
var ErrInvalidProject = errors.New("invalid project identifier")

var projectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProject checks that project is usable as a directory name.
func ValidateProject(project string) error {
	if !projectPattern.MatchString(project) || project == "." || project == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	return nil
}

// Opener creates the backend for a project.
type Opener func(ctx context.Context, project string) (Backend, error)

// LocalOpener opens local workspaces under root.
func LocalOpener(root string, commands *security.CommandValidator) Opener {
	return func(ctx context.Context, project string) (Backend, error) {
		return NewLocal(filepath.Join(root, project), commands)
	}
}

// SSHOpener opens remote workspaces under root, sharing conn.
func SSHOpener(conn *Conn, root string, commands *security.CommandValidator) Opener {
	return func(ctx context.Context, project string) (Backend, error) {
		return NewSSH(conn, path.Join(root, project), commands), nil
	}
}

// Manager hands out one Sandbox per project.
type Manager struct {
	open   Opener
	closer func() error

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewManager creates a manager using open for new projects.
func NewManager(open Opener) *Manager {
	return &Manager{open: open, sandboxes: make(map[string]*Sandbox)}
}

// NewManagerFromConfig builds the manager for the configured backend.
func NewManagerFromConfig(cfg config.SandboxConfig) (*Manager, error) {
	commands := security.NewCommandValidator(cfg.BlockedCommands...)
	switch cfg.Backend {
	case "", "local":
		return NewManager(LocalOpener(cfg.RootDir, commands)), nil
	case "ssh":
		conn := NewConn(SSHConfig{
			Host:           cfg.SSH.Host,
			Port:           cfg.SSH.Port,
			User:           cfg.SSH.User,
			KeyPath:        cfg.SSH.KeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			Timeout:        cfg.SSH.Timeout,
		})
		m := NewManager(SSHOpener(conn, cfg.SSH.RootDir, commands))
		m.closer = conn.Close
		return m, nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

// Get returns the project's sandbox, creating it on first use.
func (m *Manager) Get(ctx context.Context, project string) (*Sandbox, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[project]; ok {
		return sb, nil
	}
	backend, err := m.open(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox for %s: %w", project, err)
	}
	sb := newSandbox(project, backend)
	m.sandboxes[project] = sb
	logging.Debug("sandbox opened", "project", project)
	return sb, nil
}

// Lookup returns an already opened sandbox.
func (m *Manager) Lookup(project string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[project]
	return sb, ok
}

// Projects lists opened projects in name order.
func (m *Manager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sandboxes))
	for name := range m.sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every sandbox and the shared connection, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	sandboxes := m.sandboxes
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	var errs []error
	for _, sb := range sandboxes {
		if err := sb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.closer != nil {
		if err := m.closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
