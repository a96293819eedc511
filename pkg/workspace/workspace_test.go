package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesDirectory(t *testing.T) {
	root := t.TempDir()

	dir, err := Ensure(root, "worker-1")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureRejectsEmptyWorkerID(t *testing.T) {
	_, err := Ensure(t.TempDir(), "")
	assert.Error(t, err)
}

func TestResolvePathWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "file.txt"), []byte("x"), 0o644))

	resolved, err := ResolvePath(root, "sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "file.txt"), resolved)
}

func TestResolvePathRejectsDotDotEscape(t *testing.T) {
	root := t.TempDir()

	_, err := ResolvePath(root, "../outside.txt")
	assert.ErrorIs(t, err, ErrEscapesWorkspace)
}

func TestResolvePathRejectsAbsoluteEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	_, err := ResolvePath(root, filepath.Join(outside, "file.txt"))
	assert.ErrorIs(t, err, ErrEscapesWorkspace)
}

func TestResolvePathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))

	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ResolvePath(root, "link/secret.txt")
	assert.ErrorIs(t, err, ErrEscapesWorkspace)
}

func TestResolvePathAllowsNonExistentLeaf(t *testing.T) {
	root := t.TempDir()

	resolved, err := ResolvePath(root, "new-file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new-file.txt"), resolved)
}
