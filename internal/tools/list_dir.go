package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	// maxListDirEntries limits directory listing to prevent API payload overflow.
	maxListDirEntries = 2000
)

// ListDirTool lists the entries of a workspace directory.
type ListDirTool struct {
	ws Workspace
}

// NewListDirTool creates a new ListDirTool.
func NewListDirTool(ws Workspace) *ListDirTool {
	return &ListDirTool{ws: ws}
}

func (t *ListDirTool) Name() string {
	return ListDirectory
}

func (t *ListDirTool) Description() string {
	return "Lists files and directories in a workspace directory. Directories are shown with a trailing slash."
}

func (t *ListDirTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"path": {
					Type:        genai.TypeString,
					Description: "Directory relative to the workspace root (default: the root)",
				},
			},
		},
	}
}

func (t *ListDirTool) Validate(args map[string]any) error {
	if v, ok := args["path"]; ok {
		if _, isString := v.(string); !isString {
			return NewValidationError("path", "must be a string")
		}
	}
	return nil
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	dirPath := GetStringDefault(args, "path", ".")

	entries, err := t.ws.ListDirectory(ctx, dirPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewErrorResult(fmt.Sprintf("directory not found: %s", dirPath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading directory: %s", err)), nil
	}

	if len(entries) == 0 {
		return NewSuccessResult("(empty)"), nil
	}

	truncated := false
	if len(entries) > maxListDirEntries {
		truncated = true
		entries = entries[:maxListDirEntries]
	}

	var builder strings.Builder
	for _, entry := range entries {
		name := entry.Name
		if entry.IsDir {
			name += "/"
		}
		builder.WriteString(name)
		builder.WriteByte('\n')
	}

	if truncated {
		builder.WriteString(fmt.Sprintf("\n... (output truncated: showing %d entries)", maxListDirEntries))
	}

	return NewSuccessResultWithData(builder.String(), entries), nil
}
