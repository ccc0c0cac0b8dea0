package backingfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, err := New(path)
	assert.Error(t, err)
}

func TestRootStatReportsDirectoryType(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	attr, err := fs.Stat(fs.Root())
	require.NoError(t, err)
	assert.True(t, attr.Mode&os.ModeDir != 0, "root mode %v should carry the directory bit", attr.Mode)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := fs.Create(fs.Root(), "f", 0644)
	require.NoError(t, err)

	n, err := fs.Write(h, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = fs.Read(h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestMkdirAndStatReportsDirectoryType(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := fs.Mkdir(fs.Root(), "d", 0755)
	require.NoError(t, err)

	attr, err := fs.Stat(h)
	require.NoError(t, err)
	assert.True(t, attr.Mode&os.ModeDir != 0)
}

func TestSymlinkStatReportsSymlinkType(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Symlink(fs.Root(), "link", "/target"))

	h, err := fs.LookupChild(fs.Root(), "link")
	require.NoError(t, err)

	attr, err := fs.Stat(h)
	require.NoError(t, err)
	assert.True(t, attr.Mode&os.ModeSymlink != 0)

	target, err := fs.Readlink(h)
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
}

func TestRegularFileModeHasNoTypeBits(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := fs.Create(fs.Root(), "f", 0640)
	require.NoError(t, err)

	attr, err := fs.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), attr.Mode)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Create(fs.Root(), "f", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(fs.Root(), "f"))

	_, err = fs.LookupChild(fs.Root(), "f")
	assert.Error(t, err)
}

func TestRenameMovesEntry(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Create(fs.Root(), "old", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Rename(fs.Root(), "old", fs.Root(), "new"))

	_, err = fs.LookupChild(fs.Root(), "old")
	assert.Error(t, err)
	_, err = fs.LookupChild(fs.Root(), "new")
	assert.NoError(t, err)
}

func TestSetattrTruncatesSize(t *testing.T) {
	fs, err := New(t.TempDir())
	require.NoError(t, err)

	h, err := fs.Create(fs.Root(), "f", 0644)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("hello world"), 0)
	require.NoError(t, err)

	size := int64(5)
	require.NoError(t, fs.Setattr(h, AttrChanges{Size: &size}))

	attr, err := fs.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)
}
