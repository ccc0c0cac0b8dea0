package overlay

import (
	"path/filepath"
	"testing"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovlfs/ovlfs/internal/persist"
)

func newInodeMapStore(t *testing.T, storeMaps, baseMap, storageMap bool) *InodeMapStore {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "ovlfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewInodeMapStore(store, storeMaps, baseMap, storageMap)
}

func TestAddInodeAllocatesDistinctLinos(t *testing.T) {
	m := newInodeMapStore(t, true, true, true)

	l1, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)
	l2, err := m.AddInode(fuseops.RootInodeID, "b", 0)
	require.NoError(t, err)

	assert.NotEqual(t, l1, l2)
}

func TestReadInodeReportsInvalidForBareRecord(t *testing.T) {
	m := newInodeMapStore(t, true, true, true)

	lino, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)

	_, _, name, _, valid, err := m.ReadInode(lino)
	require.NoError(t, err)
	assert.Equal(t, "a", name)
	assert.False(t, valid)
}

func TestUpdateInodeThenReadInodeIsValid(t *testing.T) {
	m := newInodeMapStore(t, true, true, true)
	lino, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)

	attrs := fuseops.InodeAttributes{Size: 10, Nlink: 1, Mode: 0644}
	require.NoError(t, m.UpdateInode(lino, attrs, SizeLimit, fuseops.RootInodeID, "a"))

	gotAttrs, parent, name, flags, valid, err := m.ReadInode(lino)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, uint64(10), gotAttrs.Size)
	assert.Equal(t, fuseops.RootInodeID, parent)
	assert.Equal(t, "a", name)
	assert.True(t, flags&SizeLimit != 0)
}

func TestMapInodeRoundTrip(t *testing.T) {
	m := newInodeMapStore(t, true, true, true)
	lino, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)

	require.NoError(t, m.MapInode(lino, 1, 100, Base))

	dev, ino, ok, err := m.GetMapping(lino, Base)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), dev)
	assert.Equal(t, uint64(100), ino)

	found, ok, err := m.MapLookup(1, 100, Base)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lino, found)
}

func TestMapInodeDisabledByOption(t *testing.T) {
	m := newInodeMapStore(t, true, false, true)
	lino, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)

	require.NoError(t, m.MapInode(lino, 1, 100, Base))

	_, ok, err := m.GetMapping(lino, Base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapInodeDisabledByStoreMapsOption(t *testing.T) {
	m := newInodeMapStore(t, false, true, true)
	lino, err := m.AddInode(fuseops.RootInodeID, "a", 0)
	require.NoError(t, err)

	require.NoError(t, m.MapInode(lino, 1, 100, Storage))

	_, ok, err := m.GetMapping(lino, Storage)
	require.NoError(t, err)
	assert.False(t, ok)
}
