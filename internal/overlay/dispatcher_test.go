package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	fuse "github.com/ovlfs/ovlfs"
	"github.com/ovlfs/ovlfs/internal/backingfs"
	"github.com/ovlfs/ovlfs/internal/ovlconfig"
	"github.com/ovlfs/ovlfs/internal/persist"
)

var ctxBG = context.Background()

// newOverlayFixture wires a real Overlay over two temp-dir backing trees,
// the way samples/passthrough does for a live mount.
func newOverlayFixture(t *testing.T) (*Overlay, string, string) {
	t.Helper()

	baseDir := t.TempDir()
	storageDir := t.TempDir()

	base, err := backingfs.New(baseDir)
	require.NoError(t, err)
	storage, err := backingfs.New(storageDir)
	require.NoError(t, err)

	store, err := persist.Open(filepath.Join(t.TempDir(), "ovlfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := ovlconfig.Options{BaseRoot: baseDir, StorageRoot: storageDir}
	o, err := New(cfg, base, storage, store, timeutil.RealClock(), logrus.StandardLogger())
	require.NoError(t, err)

	return o, baseDir, storageDir
}

func mustLookup(t *testing.T, o *Overlay, parent fuseops.InodeID, name string) fuseops.ChildInodeEntry {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	require.NoError(t, o.LookUpInode(ctxBG, op))
	return op.Entry
}

// TestReadClipsAndZeroFillsPastBackingExtent covers spec.md §8 invariant
// 4: once the logical size exceeds what the backing file actually holds
// (a truncate-extend), reads past the real extent return zeros rather
// than an error or a short read.
func TestReadClipsAndZeroFillsPastBackingExtent(t *testing.T) {
	o, baseDir, _ := newOverlayFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "f"), []byte("hi"), 0644))

	entry := mustLookup(t, o, fuseops.RootInodeID, "f")

	setOp := &fuseops.SetInodeAttributesOp{Inode: entry.Child}
	size := uint64(10)
	setOp.Size = &size
	require.NoError(t, o.SetInodeAttributes(ctxBG, setOp))

	openOp := &fuseops.OpenFileOp{Inode: entry.Child}
	require.NoError(t, o.OpenFile(ctxBG, openOp))

	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 2, Size: 8}
	require.NoError(t, o.ReadFile(ctxBG, readOp))
	assert.Equal(t, make([]byte, 8), readOp.Data)

	readOp2 := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 0, Size: 10}
	require.NoError(t, o.ReadFile(ctxBG, readOp2))
	assert.Equal(t, append([]byte("hi"), make([]byte, 8)...), readOp2.Data)
}

// TestReadPastLogicalSizeReturnsEmpty covers the "offset >= logical size"
// branch distinct from the zero-fill case: nothing is returned, not a
// zero-filled buffer.
func TestReadPastLogicalSizeReturnsEmpty(t *testing.T) {
	o, baseDir, _ := newOverlayFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "f"), []byte("hi"), 0644))

	entry := mustLookup(t, o, fuseops.RootInodeID, "f")
	openOp := &fuseops.OpenFileOp{Inode: entry.Child}
	require.NoError(t, o.OpenFile(ctxBG, openOp))

	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 100, Size: 8}
	require.NoError(t, o.ReadFile(ctxBG, readOp))
	assert.Empty(t, readOp.Data)
}

// TestRmDirRejectsNonEmpty covers spec.md §8 invariant 8: rmdir fails
// NotEmpty while a non-tombstoned child remains, and succeeds once the
// directory is actually empty.
func TestRmDirRejectsNonEmpty(t *testing.T) {
	o, _, _ := newOverlayFixture(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | 0755}
	require.NoError(t, o.MkDir(ctxBG, mkdirOp))
	dirLino := mkdirOp.Entry.Child

	createOp := &fuseops.CreateFileOp{Parent: dirLino, Name: "child", Mode: 0644}
	require.NoError(t, o.CreateFile(ctxBG, createOp))

	err := o.RmDir(ctxBG, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"})
	assert.Equal(t, fuse.ENOTEMPTY, err)

	require.NoError(t, o.Unlink(ctxBG, &fuseops.UnlinkOp{Parent: dirLino, Name: "child"}))
	require.NoError(t, o.RmDir(ctxBG, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}))

	ent, ok, err := o.dirents.Lookup(fuseops.RootInodeID, "d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, ent.Flags&Unlinked)
}

// TestResolverTotalityAcrossBaseOnlyDirectory covers spec.md §8 invariant
// 6: a directory lino whose ancestors only exist on base (never yet
// resolved on storage) still resolves to a real storage-side handle once
// MakeHier/MakeLast are requested, materializing the missing hierarchy.
func TestResolverTotalityAcrossBaseOnlyDirectory(t *testing.T) {
	o, baseDir, _ := newOverlayFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "a", "b"), 0755))

	aEntry := mustLookup(t, o, fuseops.RootInodeID, "a")
	bEntry := mustLookup(t, o, aEntry.Child, "b")

	rec, err := o.getRecord(bEntry.Child)
	require.NoError(t, err)

	h, err := o.resolver.Resolve(rec, Storage, MakeHier|MakeLast)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.DirExists(t, h.Path())
}

func TestResolverReportsNotFoundWithoutAnyBackingReference(t *testing.T) {
	o, _, _ := newOverlayFixture(t)

	orphan := o.refs.New(fuseops.InodeID(999))
	orphan.Kind = KindFile
	orphan.ParentLino = fuseops.InodeID(998)

	_, err := o.resolver.Resolve(orphan, Storage, 0)
	assert.Error(t, err)
}

// TestLookUpInodeDiscoversBaseOnlyFile covers the overlay's central
// promise that reads resolve transparently through to base: a file that
// was never created or mirrored through the overlay, only ever written
// directly into the base tree, is still found by lookup and listed by
// readdir.
func TestLookUpInodeDiscoversBaseOnlyFile(t *testing.T) {
	o, baseDir, _ := newOverlayFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "untouched"), []byte("base data"), 0644))

	entry := mustLookup(t, o, fuseops.RootInodeID, "untouched")
	assert.NotZero(t, entry.Child)

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, o.OpenDir(ctxBG, openOp))

	readOp := &fuseops.ReadDirOp{Handle: openOp.Handle, Size: 4096}
	require.NoError(t, o.ReadDir(ctxBG, readOp))
	assert.NotEmpty(t, readOp.Data)
}

// TestLookUpInodeMissingNameStillNotFound ensures discovery doesn't mask
// a genuine absence: a name present in neither the base tree nor the
// dirent store still reports NotFound.
func TestLookUpInodeMissingNameStillNotFound(t *testing.T) {
	o, _, _ := newOverlayFixture(t)

	err := o.LookUpInode(ctxBG, &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"})
	assert.Equal(t, fuse.ENOENT, err)
}

// TestOverlayReopenRecoversMutations covers spec.md §8 invariant 5 across
// a sequence of mutations rather than a single put/get: a directory, a
// copied-up-and-rewritten file, and a tombstoned entry are all persisted,
// then a second Overlay opened over the same backing trees and the same
// store file recovers a state where lookup, read, and the tombstone all
// report exactly what the first Overlay left behind.
func TestOverlayReopenRecoversMutations(t *testing.T) {
	baseDir := t.TempDir()
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "ovlfs.db")

	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "f"), []byte("base"), 0644))

	var stores []*persist.Store
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})

	open := func() *Overlay {
		base, err := backingfs.New(baseDir)
		require.NoError(t, err)
		storage, err := backingfs.New(storageDir)
		require.NoError(t, err)
		store, err := persist.Open(dbPath)
		require.NoError(t, err)
		stores = append(stores, store)

		cfg := ovlconfig.Options{BaseRoot: baseDir, StorageRoot: storageDir}
		o, err := New(cfg, base, storage, store, timeutil.RealClock(), logrus.StandardLogger())
		require.NoError(t, err)
		return o
	}

	o1 := open()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | 0755}
	require.NoError(t, o1.MkDir(ctxBG, mkdirOp))

	fEntry := mustLookup(t, o1, fuseops.RootInodeID, "f")
	openOp := &fuseops.OpenFileOp{Inode: fEntry.Child}
	require.NoError(t, o1.OpenFile(ctxBG, openOp))
	writeOp := &fuseops.WriteFileOp{Handle: openOp.Handle, Offset: 0, Data: []byte("overlaid")}
	require.NoError(t, o1.WriteFile(ctxBG, writeOp))

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "gone", Mode: 0644}
	require.NoError(t, o1.CreateFile(ctxBG, createOp))
	require.NoError(t, o1.Unlink(ctxBG, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "gone"}))

	require.NoError(t, stores[0].Close())
	o2 := open()

	dEntry := mustLookup(t, o2, fuseops.RootInodeID, "d")
	dRec, err := o2.getRecord(dEntry.Child)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, dRec.Kind)

	fEntry2 := mustLookup(t, o2, fuseops.RootInodeID, "f")
	openOp2 := &fuseops.OpenFileOp{Inode: fEntry2.Child}
	require.NoError(t, o2.OpenFile(ctxBG, openOp2))
	readOp := &fuseops.ReadFileOp{Handle: openOp2.Handle, Offset: 0, Size: 8}
	require.NoError(t, o2.ReadFile(ctxBG, readOp))
	assert.Equal(t, []byte("overlaid"), readOp.Data)

	err = o2.LookUpInode(ctxBG, &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "gone"})
	assert.Equal(t, fuse.ENOENT, err)
}

// TestRenameMovesStorageBackedFileAndUpdatesNamespace covers spec.md
// §4.5's Rename for a file already copied up to storage: both the
// backing file and the logical directory-entry/Record bookkeeping move
// to the new parent and name.
func TestRenameMovesStorageBackedFileAndUpdatesNamespace(t *testing.T) {
	o, _, storageDir := newOverlayFixture(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dst", Mode: os.ModeDir | 0755}
	require.NoError(t, o.MkDir(ctxBG, mkdirOp))
	dstLino := mkdirOp.Entry.Child

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "src", Mode: 0644}
	require.NoError(t, o.CreateFile(ctxBG, createOp))
	srcLino := createOp.Entry.Child

	require.NoError(t, o.Rename(ctxBG, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "src",
		NewParent: dstLino, NewName: "moved",
	}))

	_, ok, err := o.dirents.Lookup(fuseops.RootInodeID, "src")
	require.NoError(t, err)
	assert.False(t, ok)

	ent, ok, err := o.dirents.Lookup(dstLino, "moved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, srcLino, ent.TargetLino)

	rec, err := o.getRecord(srcLino)
	require.NoError(t, err)
	assert.Equal(t, dstLino, rec.ParentLino)
	assert.Equal(t, "moved", rec.Name)

	assert.NoFileExists(t, filepath.Join(storageDir, "src"))
	assert.FileExists(t, filepath.Join(storageDir, "dst", "moved"))
}

// TestRenameMissingSourceReturnsNotFound covers the lookup-failure path:
// renaming a name absent from the old parent's directory entries fails
// NotFound rather than silently creating the destination.
func TestRenameMissingSourceReturnsNotFound(t *testing.T) {
	o, _, _ := newOverlayFixture(t)

	err := o.Rename(ctxBG, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "nope",
		NewParent: fuseops.RootInodeID, NewName: "also-nope",
	})
	assert.Equal(t, fuse.ENOENT, err)
}
