package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.txt")
	require.NoError(t, AtomicWrite(path, []byte("hello"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestAtomicWriteKeepsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, AtomicWrite(path, []byte("#!/bin/sh\necho hi\n"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestAtomicWriteRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, AtomicWrite(dir, []byte("x"), 0o644))
}
