package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// MaxGlobResults caps glob output.
	MaxGlobResults = 1000
	// DefaultMaxMatches caps grep output when the caller sets no limit.
	DefaultMaxMatches = 200
	// maxSearchFileSize skips larger files during grep.
	maxSearchFileSize = 10 * 1024 * 1024
	// maxMatchLineLen truncates long matching lines.
	maxMatchLineLen = 500
	// maxReadSize rejects reading larger files.
	maxReadSize = 10 * 1024 * 1024
)

// skipDirs are never descended into while searching.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

var binaryExts = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".bin": true, ".o": true, ".a": true, ".lib": true,
	".zip": true, ".tar": true, ".gz": true, ".rar": true, ".7z": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".pdf": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true, ".mp3": true, ".mp4": true, ".wav": true,
	".avi": true, ".mov": true, ".pyc": true, ".class": true, ".wasm": true,
	".db": true, ".sqlite": true,
}

func isBinaryFile(name string) bool {
	return binaryExts[strings.ToLower(path.Ext(name))]
}

// compileGrep builds the regexp for opts.
func compileGrep(opts GrepOptions) (*regexp.Regexp, error) {
	if opts.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	pattern := opts.Pattern
	if opts.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return re, nil
}

// includeMatches filters files by the include glob. Patterns without a slash
// match the base name.
func includeMatches(include, rel string) bool {
	if include == "" {
		return true
	}
	target := rel
	if !strings.Contains(include, "/") {
		target = path.Base(rel)
	}
	ok, err := doublestar.Match(include, target)
	return err == nil && ok
}

// searchReader appends matches from r to out and reports whether the limit
// has been reached.
func searchReader(re *regexp.Regexp, rel string, r io.Reader, limit int, out *[]Match) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(line) > maxMatchLineLen {
			line = line[:maxMatchLineLen] + "..."
		}
		*out = append(*out, Match{Path: rel, Line: lineNum, Text: line})
		if len(*out) >= limit {
			return true
		}
	}
	return false
}

func grepLimit(opts GrepOptions) int {
	if opts.MaxMatches <= 0 {
		return DefaultMaxMatches
	}
	return opts.MaxMatches
}
