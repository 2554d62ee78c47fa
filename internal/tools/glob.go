package tools

import (
	"context"
	"fmt"
	"strings"

	"codeloop/internal/sandbox"

	"google.golang.org/genai"
)

// GlobTool finds files by pattern.
type GlobTool struct {
	ws Workspace
}

// NewGlobTool creates a new GlobTool.
func NewGlobTool(ws Workspace) *GlobTool {
	return &GlobTool{ws: ws}
}

func (t *GlobTool) Name() string {
	return Glob
}

func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern (supports ** for recursive matching). Results are sorted by modification time, newest first."
}

func (t *GlobTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"pattern": {
					Type:        genai.TypeString,
					Description: "The glob pattern to match files against (e.g., '**/*.go', 'src/**/*.ts')",
				},
				"path": {
					Type:        genai.TypeString,
					Description: "Directory to search in, relative to the workspace root (default: the root)",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GlobTool) Validate(args map[string]any) error {
	return requireString(args, "pattern")
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	pattern, _ := GetString(args, "pattern")
	searchPath := GetStringDefault(args, "path", ".")

	matches, err := t.ws.Glob(ctx, pattern, searchPath)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("glob error: %s", err)), nil
	}

	if len(matches) == 0 {
		return NewSuccessResult("(no matches)"), nil
	}

	var builder strings.Builder
	for _, m := range matches {
		builder.WriteString(m)
		builder.WriteByte('\n')
	}
	if len(matches) >= sandbox.MaxGlobResults {
		builder.WriteString(fmt.Sprintf("\n... (showing first %d matches)", sandbox.MaxGlobResults))
	}

	return NewSuccessResultWithData(builder.String(), map[string]any{"count": len(matches)}), nil
}
