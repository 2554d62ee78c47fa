package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"codeloop/internal/drain"
	"codeloop/internal/process"
	"codeloop/internal/security"

	"google.golang.org/genai"
)

const maxShellOutput = 30000

// ShellTool runs shell commands in the workspace under drain windows.
type ShellTool struct {
	ws   Workspace
	ctrl *drain.Controller
}

// NewShellTool creates a new ShellTool.
func NewShellTool(ws Workspace, ctrl *drain.Controller) *ShellTool {
	if ctrl == nil {
		ctrl = drain.NewController(drain.Options{})
	}
	return &ShellTool{ws: ws, ctrl: ctrl}
}

func (t *ShellTool) Name() string {
	return RunShellCommand
}

func (t *ShellTool) Description() string {
	return `Executes a shell command in the project workspace and returns its output. Use for builds, tests, git and package managers.

TIMEOUT:
- Default: 120 seconds, override with timeout (milliseconds)
- A command that prints nothing for 10 seconds is detached and its output so far returned
- Long-running servers and watchers: set is_background=true; output of the first 5 seconds is returned and the process keeps running

OUTPUT:
- stdout and stderr are captured
- Output >30000 chars is truncated
- Exit codes are reported on failure`
}

func (t *ShellTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"command": {
					Type:        genai.TypeString,
					Description: "The shell command to execute",
				},
				"description": {
					Type:        genai.TypeString,
					Description: "A brief description of what the command does",
				},
				"is_background": {
					Type:        genai.TypeBoolean,
					Description: "If true, leave the command running after a short warm-up window",
				},
				"timeout": {
					Type:        genai.TypeInteger,
					Description: "Absolute timeout in milliseconds (default: 120000)",
				},
			},
			Required: []string{"command"},
		},
	}
}

func (t *ShellTool) Validate(args map[string]any) error {
	if err := requireString(args, "command"); err != nil {
		return err
	}
	if ms, ok := GetInt(args, "timeout"); ok && ms <= 0 {
		return NewValidationError("timeout", "must be positive")
	}
	return nil
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	command, _ := GetString(args, "command")
	background := GetBoolDefault(args, "is_background", GetBoolDefault(args, "run_in_background", false))

	opts := drain.Options{Background: background}
	if ms, ok := GetInt(args, "timeout"); ok && ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}

	res := t.ctrl.Run(ctx, CallIDFromContext(ctx), func(ctx context.Context, onOutput drain.OutputFunc) (string, error) {
		return t.ws.ExecuteCommand(ctx, command, background, onOutput)
	}, opts)

	output := truncateOutput(res.Output)
	data := map[string]any{
		"resolution": res.Resolution.String(),
		"background": background,
	}

	switch res.Resolution {
	case drain.Backgrounded:
		if output == "" {
			output = "(no output yet)"
		}
		return NewSuccessResultWithData(output+"\n[Command is running in the background]", data), nil
	case drain.TimedOut, drain.IdleTerminated:
		return NewSuccessResultWithData(output, data), nil
	}

	if res.Err != nil {
		var exitErr *process.ExitError
		var blocked *security.BlockedCommandError
		switch {
		case errors.As(res.Err, &exitErr):
			data["exit_code"] = exitErr.Code
			return ToolResult{Content: output, Data: data, Error: exitErr.Error(), Success: false}, nil
		case errors.As(res.Err, &blocked):
			return NewErrorResult(blocked.Error()), nil
		default:
			return ToolResult{Content: output, Data: data, Error: fmt.Sprintf("command failed: %s", res.Err), Success: false}, nil
		}
	}

	if output == "" {
		output = "(no output)"
	}
	data["exit_code"] = 0
	return NewSuccessResultWithData(output, data), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	cut := maxShellOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... (output truncated: showing %d of %d characters)", maxShellOutput, len(s))
}
