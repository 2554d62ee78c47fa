package tools

import (
	"context"
	"fmt"
	"strings"

	"codeloop/internal/sandbox"

	"google.golang.org/genai"
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	ws Workspace
}

// NewGrepTool creates a new GrepTool.
func NewGrepTool(ws Workspace) *GrepTool {
	return &GrepTool{ws: ws}
}

func (t *GrepTool) Name() string {
	return Grep
}

func (t *GrepTool) Description() string {
	return "Searches file contents for a regular expression. Returns matching lines as path:line: text."
}

func (t *GrepTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"pattern": {
					Type:        genai.TypeString,
					Description: "The regular expression to search for",
				},
				"path": {
					Type:        genai.TypeString,
					Description: "File or directory to search, relative to the workspace root (default: the root)",
				},
				"include": {
					Type:        genai.TypeString,
					Description: "Glob filter for file names (e.g., '*.go', 'src/**/*.js')",
				},
				"case_insensitive": {
					Type:        genai.TypeBoolean,
					Description: "Case insensitive search",
				},
				"max_matches": {
					Type:        genai.TypeInteger,
					Description: "Maximum number of matches to return (default: 200)",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GrepTool) Validate(args map[string]any) error {
	return requireString(args, "pattern")
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	opts := sandbox.GrepOptions{
		Pattern:    GetStringDefault(args, "pattern", ""),
		Path:       GetStringDefault(args, "path", "."),
		Include:    GetStringDefault(args, "include", ""),
		IgnoreCase: GetBoolDefault(args, "case_insensitive", false),
		MaxMatches: GetIntDefault(args, "max_matches", sandbox.DefaultMaxMatches),
	}
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = sandbox.DefaultMaxMatches
	}

	matches, err := t.ws.Grep(ctx, opts)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("search error: %s", err)), nil
	}
	if len(matches) == 0 {
		return NewSuccessResult("(no matches)"), nil
	}

	var builder strings.Builder
	for _, m := range matches {
		builder.WriteString(fmt.Sprintf("%s:%d: %s\n", m.Path, m.Line, m.Text))
	}
	if len(matches) >= opts.MaxMatches {
		builder.WriteString(fmt.Sprintf("\n... (stopped after %d matches)", opts.MaxMatches))
	}

	return NewSuccessResultWithData(builder.String(), matches), nil
}
