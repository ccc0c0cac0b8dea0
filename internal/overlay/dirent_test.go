package overlay

import (
	"path/filepath"
	"testing"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovlfs/ovlfs/internal/persist"
)

func newDirentStore(t *testing.T) *DirentStore {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "ovlfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewDirentStore(store)
}

// TestTombstoneHidesBase exercises invariant 1 of spec.md §8: unlinking a
// name makes it invisible to lookup and iteration even though the
// tombstone record itself is retained.
func TestTombstoneHidesBase(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "N", 10))
	require.NoError(t, d.Unlink(dir, "N"))

	_, ok, err := d.Lookup(dir, "N")
	require.NoError(t, err)
	// Lookup returns the tombstoned entry itself; callers check its Flags.
	require.True(t, ok)

	ents, _, err := d.Iterate(dir, 0, false)
	require.NoError(t, err)
	assert.Empty(t, ents)

	n, err := d.Count(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestResurrectionMarksRelinked exercises invariant 2: unlink then create
// under the same name produces a Relinked entry pointing at the new
// target.
func TestResurrectionMarksRelinked(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "N", 10))
	require.NoError(t, d.Unlink(dir, "N"))
	require.NoError(t, d.AddDirent(dir, "N", 20))

	ent, ok, err := d.Lookup(dir, "N")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fuseops.InodeID(20), ent.TargetLino)
	assert.True(t, ent.Flags&Relinked != 0)
}

// TestIdempotentUnlink exercises invariant 7: a second unlink of the same
// name is a no-op, not an error.
func TestIdempotentUnlink(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "N", 10))
	require.NoError(t, d.Unlink(dir, "N"))
	require.NoError(t, d.Unlink(dir, "N"))
}

func TestUnlinkUnknownNameFails(t *testing.T) {
	d := newDirentStore(t)
	_, _, err := d.Lookup(fuseops.InodeID(1), "ghost")
	require.NoError(t, err)

	err = d.Unlink(fuseops.InodeID(1), "ghost")
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))
}

func TestAddDirentRejectsExistingPositiveEntry(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "N", 10))
	err := d.AddDirent(dir, "N", 11)
	require.Error(t, err)
	assert.Equal(t, Exists, KindOf(err))
}

func TestRenameWithinPreservesTarget(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "old", 10))
	require.NoError(t, d.RenameWithin(dir, "old", "new"))

	_, ok, err := d.Lookup(dir, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	ent, ok, err := d.Lookup(dir, "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fuseops.InodeID(10), ent.TargetLino)
}

func TestIterateSkipsTombstonesByDefault(t *testing.T) {
	d := newDirentStore(t)
	dir := fuseops.InodeID(1)

	require.NoError(t, d.AddDirent(dir, "a", 1))
	require.NoError(t, d.AddDirent(dir, "b", 2))
	require.NoError(t, d.Unlink(dir, "a"))

	ents, _, err := d.Iterate(dir, 0, false)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "b", ents[0].Name)

	all, _, err := d.Iterate(dir, 0, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
