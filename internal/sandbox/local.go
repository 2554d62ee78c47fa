package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"codeloop/internal/fileutil"
	"codeloop/internal/process"
	"codeloop/internal/security"

	"github.com/bmatcuk/doublestar/v4"
)

// Local is a workspace directory on this machine.
type Local struct {
	paths    *security.PathValidator
	commands *security.CommandValidator
	procs    *process.Registry
}

// NewLocal creates the workspace directory if needed and returns a backend
// confined to it.
func NewLocal(dir string, commands *security.CommandValidator) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if commands == nil {
		commands = security.NewCommandValidator()
	}
	return &Local{
		paths:    security.NewPathValidator(dir),
		commands: commands,
		procs:    process.NewRegistry(0),
	}, nil
}

// Root returns the absolute workspace directory.
func (l *Local) Root() string {
	return l.paths.Root()
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := l.paths.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadSize {
		return nil, fmt.Errorf("file too large: %d bytes", info.Size())
	}
	return os.ReadFile(abs)
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	abs, err := l.paths.Resolve(path)
	if err != nil {
		return err
	}
	if abs == l.paths.Root() {
		return fmt.Errorf("cannot write to workspace root")
	}
	return fileutil.AtomicWrite(abs, data, 0o644)
}

func (l *Local) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	abs, err := l.paths.ResolveDir(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *Local) Glob(ctx context.Context, pattern, dir string) ([]string, error) {
	base, err := l.paths.ResolveDir(dir)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}

	type fileWithTime struct {
		rel     string
		modTime time.Time
	}
	files := make([]fileWithTime, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs := filepath.Join(base, filepath.FromSlash(m))
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, fileWithTime{rel: l.paths.Rel(abs), modTime: info.ModTime()})
	}

	// Sort by modification time (newest first)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	if len(files) > MaxGlobResults {
		files = files[:MaxGlobResults]
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.rel
	}
	return out, nil
}

func (l *Local) Grep(ctx context.Context, opts GrepOptions) ([]Match, error) {
	re, err := compileGrep(opts)
	if err != nil {
		return nil, err
	}
	start, err := l.paths.Resolve(opts.Path)
	if err != nil {
		return nil, err
	}
	limit := grepLimit(opts)

	var matches []Match
	searchFile := func(abs string, info fs.FileInfo) bool {
		rel := l.paths.Rel(abs)
		if isBinaryFile(abs) || info.Size() > maxSearchFileSize || !includeMatches(opts.Include, rel) {
			return false
		}
		f, err := os.Open(abs)
		if err != nil {
			return false
		}
		defer f.Close()
		return searchReader(re, rel, f, limit, &matches)
	}

	info, err := os.Stat(start)
	if err != nil {
		return nil, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		searchFile(start, info)
		return matches, nil
	}

	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != start && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if searchFile(p, fi) {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (l *Local) StartCommand(ctx context.Context, command string, background bool, onOutput func(string)) (*process.Process, error) {
	if err := l.commands.Check(command); err != nil {
		return nil, err
	}
	return l.procs.Start(process.Spec{
		Command:    command,
		Dir:        l.paths.Root(),
		Background: background,
		OnOutput:   onOutput,
	})
}

func (l *Local) Processes() *process.Registry {
	return l.procs
}

func (l *Local) Close() error {
	return nil
}
