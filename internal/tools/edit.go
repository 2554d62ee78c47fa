package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// EditTool replaces text in a workspace file.
type EditTool struct {
	ws Workspace
}

// NewEditTool creates a new EditTool.
func NewEditTool(ws Workspace) *EditTool {
	return &EditTool{ws: ws}
}

func (t *EditTool) Name() string {
	return EditFile
}

func (t *EditTool) Description() string {
	return "Performs string replacement in a file. The old_string must be unique in the file unless replace_all is true."
}

func (t *EditTool) Declaration() *genai.FunctionDeclaration {
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
				"old_string": {
					Type:        genai.TypeString,
					Description: "The text to find and replace",
				},
				"new_string": {
					Type:        genai.TypeString,
					Description: "The text to replace with (must be different from old_string)",
				},
				"replace_all": {
					Type:        genai.TypeBoolean,
					Description: "If true, replace all occurrences. If false (default), old_string must be unique.",
				},
			},
			Required: []string{"file_path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Validate(args map[string]any) error {
	if err := requireString(args, "file_path"); err != nil {
		return err
	}
	if err := requireString(args, "old_string"); err != nil {
		return err
	}
	oldStr, _ := GetString(args, "old_string")
	newStr, ok := GetString(args, "new_string")
	if !ok {
		return NewValidationError("new_string", "is required")
	}
	if oldStr == newStr {
		return NewValidationError("new_string", "must be different from old_string")
	}
	return nil
}

func (t *EditTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	filePath, _ := GetString(args, "file_path")
	oldStr, _ := GetString(args, "old_string")
	newStr, _ := GetString(args, "new_string")
	replaceAll := GetBoolDefault(args, "replace_all", false)

	data, err := t.ws.ReadFile(ctx, filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", filePath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	// Detect binary files by checking for null bytes in the first 512 bytes
	checkLen := min(len(data), 512)
	for _, b := range data[:checkLen] {
		if b == 0 {
			return NewErrorResult(fmt.Sprintf("cannot edit binary file: %s", filePath)), nil
		}
	}

	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return NewErrorResult(fmt.Sprintf("old_string not found in file: %s", filePath)), nil
	}
	if count > 1 && !replaceAll {
		// Find line numbers of occurrences for a more helpful error
		var lineNums []string
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, oldStr) {
				lineNums = append(lineNums, fmt.Sprintf("%d", i+1))
			}
		}
		lineInfo := ""
		if len(lineNums) > 0 {
			lineInfo = fmt.Sprintf(" (lines: %s)", strings.Join(lineNums, ", "))
		}
		return NewErrorResult(fmt.Sprintf("old_string appears %d times in %s%s. Provide more surrounding context to make it unique, or set replace_all=true.", count, filePath, lineInfo)), nil
	}

	var newContent string
	if replaceAll {
		newContent = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		newContent = strings.Replace(content, oldStr, newStr, 1)
		count = 1
	}

	if err := t.ws.WriteFile(ctx, filePath, []byte(newContent)); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}

	noun := "occurrence"
	if count != 1 {
		noun = "occurrences"
	}
	return NewSuccessResultWithData(
		fmt.Sprintf("Replaced %d %s in %s", count, noun, filePath),
		NewFileDiff(filePath, content, newContent, false),
	), nil
}
