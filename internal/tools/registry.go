package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"codeloop/internal/drain"
	"codeloop/internal/logging"
	"codeloop/internal/sandbox"

	"google.golang.org/genai"
)

// Workspace is the sandbox surface the file and shell tools run against.
// *sandbox.Sandbox implements it.
type Workspace interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDirectory(ctx context.Context, path string) ([]sandbox.Entry, error)
	Glob(ctx context.Context, pattern, dir string) ([]string, error)
	Grep(ctx context.Context, opts sandbox.GrepOptions) ([]sandbox.Match, error)
	ExecuteCommand(ctx context.Context, command string, background bool, onOutput func(string)) (string, error)
}

// Canonical tool names.
const (
	ReadFile        = "read_file"
	WriteFile       = "write_file"
	EditFile        = "edit_file"
	ListDirectory   = "list_directory"
	Glob            = "glob"
	Grep            = "grep"
	RunShellCommand = "run_shell_command"
)

var aliases = map[string]string{
	"bash":             RunShellCommand,
	"shell":            RunShellCommand,
	"run_bash_command": RunShellCommand,
	"read":             ReadFile,
	"write":            WriteFile,
	"edit":             EditFile,
	"ls":               ListDirectory,
	"list_dir":         ListDirectory,
	"search":           Grep,
	"search_files":     Grep,
}

// Canonicalize maps tool name aliases to one canonical identifier.
// Unknown names are returned trimmed but otherwise unchanged.
func Canonicalize(name string) string {
	name = strings.TrimSpace(name)
	if canonical, ok := aliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// IsShellTool reports whether name is a shell-command-class tool.
func IsShellTool(name string) bool {
	return Canonicalize(name) == RunShellCommand
}

// Registry manages the collection of available tools.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// NewDefaultRegistry registers the file, search and shell tools against ws.
func NewDefaultRegistry(ws Workspace, ctrl *drain.Controller) *Registry {
	r := NewRegistry()
	r.MustRegister(NewReadTool(ws))
	r.MustRegister(NewWriteTool(ws))
	r.MustRegister(NewEditTool(ws))
	r.MustRegister(NewListDirTool(ws))
	r.MustRegister(NewGlobTool(ws))
	r.MustRegister(NewGrepTool(ws))
	r.MustRegister(NewShellTool(ws, ctrl))
	return r
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the names of all registered tools, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns all tool declarations in name order.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	declarations := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		declarations = append(declarations, r.tools[name].Declaration())
	}
	return declarations
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}

	r.tools[name] = tool
	return nil
}

// MustRegister adds a tool to the registry and logs a warning on error.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		logging.Warn("failed to register tool", "tool", tool.Name(), "error", err)
	}
}

// GeminiTools returns the tools in the provider-neutral genai format.
func (r *Registry) GeminiTools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: r.Declarations(),
		},
	}
}
