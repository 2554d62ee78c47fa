package tools

import (
	"context"
	"errors"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// WriteTool creates or overwrites a workspace file.
type WriteTool struct {
	ws Workspace
}

// NewWriteTool creates a new WriteTool.
func NewWriteTool(ws Workspace) *WriteTool {
	return &WriteTool{ws: ws}
}

func (t *WriteTool) Name() string {
	return WriteFile
}

func (t *WriteTool) Description() string {
	return "Writes content to a file in the project workspace, creating parent directories as needed. Overwrites the file if it exists."
}

func (t *WriteTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {
					Type:        genai.TypeString,
					Description: "Path of the file, relative to the workspace root",
				},
				"content": {
					Type:        genai.TypeString,
					Description: "The full content to write to the file",
				},
			},
			Required: []string{"file_path", "content"},
		},
	}
}

func (t *WriteTool) Validate(args map[string]any) error {
	if err := requireString(args, "file_path"); err != nil {
		return err
	}
	if _, ok := GetString(args, "content"); !ok {
		return NewValidationError("content", "is required")
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	filePath, _ := GetString(args, "file_path")
	content, _ := GetString(args, "content")

	isNew := false
	old, err := t.ws.ReadFile(ctx, filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return NewErrorResult(fmt.Sprintf("error accessing file: %s", err)), nil
		}
		isNew = true
	}

	if err := t.ws.WriteFile(ctx, filePath, []byte(content)); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}

	verb := "Updated"
	if isNew {
		verb = "Created"
	}
	return NewSuccessResultWithData(
		fmt.Sprintf("%s %s (%d bytes)", verb, filePath, len(content)),
		NewFileDiff(filePath, string(old), content, isNew),
	), nil
}
