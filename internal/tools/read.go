package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	// DefaultReadLimit is the default number of lines returned by read_file.
	DefaultReadLimit = 2000
	// maxLineLength truncates very long lines in read_file output.
	maxLineLength = 2000
)

// ReadTool reads a workspace file with line numbers.
type ReadTool struct {
	ws Workspace
}

// NewReadTool creates a new ReadTool.
func NewReadTool(ws Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Name() string {
	return ReadFile
}

func (t *ReadTool) Description() string {
	return "Reads a file from the project workspace. Output lines are prefixed with line numbers. Use offset and limit to page through large files."
}

func (t *ReadTool) Declaration() *genai.FunctionDeclaration {
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
				"offset": {
					Type:        genai.TypeInteger,
					Description: "The line number to start reading from (1-indexed). Optional.",
				},
				"limit": {
					Type:        genai.TypeInteger,
					Description: "The maximum number of lines to read. Optional, defaults to 2000.",
				},
			},
			Required: []string{"file_path"},
		},
	}
}

func (t *ReadTool) Validate(args map[string]any) error {
	if err := requireString(args, "file_path"); err != nil {
		return err
	}
	if offset, ok := GetInt(args, "offset"); ok && offset < 0 {
		return NewValidationError("offset", "must be positive")
	}
	if limit, ok := GetInt(args, "limit"); ok && limit < 0 {
		return NewValidationError("limit", "must be positive")
	}
	return nil
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	filePath, _ := GetString(args, "file_path")
	offset := GetIntDefault(args, "offset", 1)
	limit := GetIntDefault(args, "limit", DefaultReadLimit)
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	data, err := t.ws.ReadFile(ctx, filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", filePath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	if len(data) == 0 {
		return NewSuccessResult("(empty file)"), nil
	}

	var builder strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNum := 0
	shown := 0
	for scanner.Scan() {
		lineNum++
		if lineNum < offset {
			continue
		}
		if shown >= limit {
			continue
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		builder.WriteString(fmt.Sprintf("%6d\t%s\n", lineNum, line))
		shown++
	}
	if err := scanner.Err(); err != nil {
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	if shown == 0 {
		return NewSuccessResult(fmt.Sprintf("(offset %d is beyond end of file, file has %d lines)", offset, lineNum)), nil
	}
	if last := offset + shown - 1; last < lineNum {
		builder.WriteString(fmt.Sprintf("\n[Showing lines %d-%d of %d total. Use offset=%d to continue reading.]\n",
			offset, last, lineNum, last+1))
	}

	return NewSuccessResultWithData(builder.String(), map[string]any{
		"path":        filePath,
		"total_lines": lineNum,
	}), nil
}
