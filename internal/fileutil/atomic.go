package fileutil

import (
	"errors"
	"os"
	"path/filepath"
)

// AtomicWrite writes data to path through a temporary file in the same
// directory followed by a rename, creating missing parent directories.
// An existing file keeps its permissions; new files get perm.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return errors.New("path is a directory: " + path)
		}
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".codeloop-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	// Rename is atomic when source and destination share a filesystem
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}
