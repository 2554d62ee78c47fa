package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned for a path that escapes the workspace root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// PathValidator confines file paths to one workspace root.
type PathValidator struct {
	root string
}

// NewPathValidator creates a validator rooted at root. The root is resolved
// through symlinks when it exists.
func NewPathValidator(root string) *PathValidator {
	clean := filepath.Clean(root)
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	return &PathValidator{root: clean}
}

// Root returns the resolved workspace root.
func (v *PathValidator) Root() string {
	return v.root
}

// Resolve maps path to an absolute path inside the workspace. Relative paths
// are taken from the root. Symlinks are resolved so a link cannot point out
// of the workspace.
func (v *PathValidator) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null byte in path")
	}

	absPath := path
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(v.root, absPath)
	}
	absPath = filepath.Clean(absPath)

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve symlinks: %w", err)
		}
		// New file: resolve the nearest existing ancestor instead.
		resolvedPath, err = resolveMissing(absPath)
		if err != nil {
			return "", err
		}
	}

	if !isPathWithin(resolvedPath, v.root) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return resolvedPath, nil
}

// ResolveDir resolves path and checks it is an existing directory.
func (v *PathValidator) ResolveDir(path string) (string, error) {
	absPath, err := v.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", path)
	}
	return absPath, nil
}

// Rel returns path relative to the root, using forward slashes.
func (v *PathValidator) Rel(path string) string {
	rel, err := filepath.Rel(v.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func resolveMissing(absPath string) (string, error) {
	var tail []string
	current := absPath
	for {
		parent := filepath.Dir(current)
		tail = append([]string{filepath.Base(current)}, tail...)
		if parent == current {
			return absPath, nil
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve parent path: %w", err)
		}
		current = parent
	}
}

// isPathWithin checks if target is within base directory.
func isPathWithin(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// JoinRemote joins a model-supplied path onto a remote POSIX root and
// rejects traversal out of it.
func JoinRemote(root, path string) (string, error) {
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null byte in path")
	}
	root = cleanSlash(root)
	var joined string
	if strings.HasPrefix(path, "/") {
		joined = cleanSlash(path)
	} else {
		joined = cleanSlash(root + "/" + path)
	}
	if joined != root && !strings.HasPrefix(joined, strings.TrimSuffix(root, "/")+"/") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return joined, nil
}

func cleanSlash(p string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}
