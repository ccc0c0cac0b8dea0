package fstab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ovlfstab")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestReadBasicEntry(t *testing.T) {
	path := writeFile(t, "# comment\ncdrom /base /storage /mnt ro bbolt /var/lib/ovlfs/cdrom.db\n\n")

	table, selectors, err := Read(path)
	require.NoError(t, err)
	require.Len(t, table, 1)
	assert.Empty(t, selectors)

	e := table[0]
	assert.Equal(t, "cdrom", e.FSName)
	assert.Equal(t, "/base", e.BaseRoot)
	assert.Equal(t, "/storage", e.Storage)
	assert.Equal(t, "/mnt", e.MountPoint)
	assert.Equal(t, "ro", e.Options)
	assert.Equal(t, "bbolt", e.StgMethod)
	assert.Equal(t, "/var/lib/ovlfs/cdrom.db", e.StgFile)
}

func TestReadSelectorBlock(t *testing.T) {
	path := writeFile(t, ""+
		"disc1 /base1 /storage1 /mnt ro\n"+
		"disc2 /base2 /storage2 /mnt ro\n"+
		"@selector cdkey 'blkid -s UUID -o value /dev/sr0'\n"+
		"@key uuid-1 disc1 maxmem=4096\n"+
		"@key uuid-2 disc2\n")

	table, selectors, err := Read(path)
	require.NoError(t, err)
	require.Len(t, table, 2)
	require.Len(t, selectors, 1)

	sel := selectors[0]
	assert.Equal(t, "cdkey", sel.Name)
	assert.Equal(t, "blkid -s UUID -o value /dev/sr0", sel.Command)
	require.Len(t, sel.Table, 2)
	assert.Equal(t, "uuid-1", sel.Table[0].Key)
	assert.Equal(t, "disc1", sel.Table[0].FSName)
	assert.Equal(t, "maxmem=4096", sel.Table[0].Overrides)
	assert.Equal(t, "uuid-2", sel.Table[1].Key)
	assert.Equal(t, "disc2", sel.Table[1].FSName)
}

func TestReadTwoSelectorBlocksShareNoRows(t *testing.T) {
	path := writeFile(t, ""+
		"disc1 /base1 /storage1 /mnt ro\n"+
		"disc2 /base2 /storage2 /mnt ro\n"+
		"@selector a 'echo a'\n"+
		"@key ka disc1\n"+
		"@selector b 'echo b'\n"+
		"@key kb disc2\n")

	_, selectors, err := Read(path)
	require.NoError(t, err)
	require.Len(t, selectors, 2)
	require.Len(t, selectors[0].Table, 1)
	require.Len(t, selectors[1].Table, 1)
	assert.Equal(t, "ka", selectors[0].Table[0].Key)
	assert.Equal(t, "kb", selectors[1].Table[0].Key)
}

func TestByFSName(t *testing.T) {
	table := Table{{FSName: "a"}, {FSName: "b"}}

	e, ok := table.ByFSName("b")
	require.True(t, ok)
	assert.Equal(t, "b", e.FSName)

	_, ok = table.ByFSName("c")
	assert.False(t, ok)
}

func TestMergeOptions(t *testing.T) {
	assert.Equal(t, "a", MergeOptions("a", ""))
	assert.Equal(t, "b", MergeOptions("", "b"))
	assert.Equal(t, "a,b", MergeOptions("a", "b"))
}

func TestMergeEntry(t *testing.T) {
	e := MergeEntry(Entry{Options: "ro"}, "maxmem=1024")
	assert.Equal(t, "ro,maxmem=1024", e.Options)
}

func TestReadMalformedEntry(t *testing.T) {
	path := writeFile(t, "onlyonefield\n")
	_, _, err := Read(path)
	assert.Error(t, err)
}

func TestReadMalformedSelectorHeader(t *testing.T) {
	path := writeFile(t, "@selector missing-quotes\n")
	_, _, err := Read(path)
	assert.Error(t, err)
}

func TestReadKeyLineWithoutSelectorHeaderIsError(t *testing.T) {
	path := writeFile(t, "@key uuid-1 disc1\n")
	_, _, err := Read(path)
	assert.Error(t, err)
}
