package tools

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileDiff is the display payload of file-modifying tools.
type FileDiff struct {
	Path    string `json:"path"`
	IsNew   bool   `json:"is_new"`
	Diff    string `json:"diff"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// NewFileDiff builds a line-level diff between old and new content.
func NewFileDiff(path, oldContent, newContent string, isNew bool) FileDiff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	fd := FileDiff{Path: path, IsNew: isNew}
	var result strings.Builder
	result.WriteString(fmt.Sprintf("--- %s\n", path))
	result.WriteString(fmt.Sprintf("+++ %s\n", path))

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		for i, line := range lines {
			// Skip empty trailing element from split
			if i == len(lines)-1 && line == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				result.WriteString(fmt.Sprintf(" %s\n", line))
			case diffmatchpatch.DiffDelete:
				result.WriteString(fmt.Sprintf("-%s\n", line))
				fd.Removed++
			case diffmatchpatch.DiffInsert:
				result.WriteString(fmt.Sprintf("+%s\n", line))
				fd.Added++
			}
		}
	}
	fd.Diff = result.String()
	return fd
}
