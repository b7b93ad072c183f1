package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestFindFilesByExtension(t *testing.T) {
	// --- Arrange ---
	root := t.TempDir()
	touch(t, filepath.Join(root, "b.hcl"))
	touch(t, filepath.Join(root, "a.hcl"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "sub", "c.hcl"))
	touch(t, filepath.Join(root, ".git", "d.hcl"))
	touch(t, filepath.Join(root, ".hidden.hcl"))

	// --- Act ---
	files, err := FindFilesByExtension(root, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.hcl"),
		filepath.Join(root, "b.hcl"),
		filepath.Join(root, "sub", "c.hcl"),
	}, files)
}

func TestFindFilesByExtensionSingleFile(t *testing.T) {
	// --- Arrange ---
	path := filepath.Join(t.TempDir(), "dag.conf")
	touch(t, path)

	// --- Act ---
	files, err := FindFilesByExtension(path, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestFindFilesByExtensionErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		_, err := FindFilesByExtension(filepath.Join(t.TempDir(), "nope"), ".hcl")
		require.Error(t, err)
	})
	t.Run("no matches", func(t *testing.T) {
		_, err := FindFilesByExtension(t.TempDir(), ".hcl")
		require.Error(t, err)
	})
	t.Run("empty extension panics", func(t *testing.T) {
		assert.Panics(t, func() { FindFilesByExtension(t.TempDir(), "") })
	})
}
