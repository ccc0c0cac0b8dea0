package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovlfs/ovlfs/internal/backingfs"
	"github.com/ovlfs/ovlfs/internal/persist"
)

// newCowFixture builds a minimal CopyUpEngine with a base tree containing
// one file and an empty storage tree, plus the record graph (root, one
// child file) the engine expects to walk.
func newCowFixture(t *testing.T, baseContents string) (*CopyUpEngine, *RefStore, *Record) {
	t.Helper()

	baseDir := t.TempDir()
	storageDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "f"), []byte(baseContents), 0644))

	baseFS, err := backingfs.New(baseDir)
	require.NoError(t, err)
	storageFS, err := backingfs.New(storageDir)
	require.NoError(t, err)

	store, err := persist.Open(filepath.Join(t.TempDir(), "ovlfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	refs := NewRefStore()
	inodeMap := NewInodeMapStore(store, true, true, true)
	resolver := NewResolver(refs, baseFS, storageFS)
	engine := NewCopyUpEngine(refs, resolver, inodeMap, baseFS, storageFS, timeutil.RealClock())

	root := refs.New(fuseops.RootInodeID)
	root.Kind = KindDirectory
	root.ParentLino = fuseops.RootInodeID
	baseAttr, err := baseFS.Stat(baseFS.Root())
	require.NoError(t, err)
	require.NoError(t, root.AttachReference(Base, baseAttr, baseFS.Root().Ref(), nil, true))
	storageAttr, err := storageFS.Stat(storageFS.Root())
	require.NoError(t, err)
	require.NoError(t, root.AttachReference(Storage, storageAttr, storageFS.Root().Ref(), nil, true))

	child := refs.New(fuseops.InodeID(2))
	child.Kind = KindFile
	child.Name = "f"
	child.ParentLino = fuseops.RootInodeID

	childBaseHandle, err := baseFS.LookupChild(baseFS.Root(), "f")
	require.NoError(t, err)
	childAttr, err := baseFS.Stat(childBaseHandle)
	require.NoError(t, err)
	require.NoError(t, child.AttachReference(Base, childAttr, childBaseHandle, nil, true))
	child.Attrs.Size = uint64(childAttr.Size)
	child.Attrs.Mode = childAttr.Mode

	return engine, refs, child
}

func TestCopyUpMaterializesBytesAndSize(t *testing.T) {
	engine, _, child := newCowFixture(t, "hello world")

	require.NoError(t, engine.Up(child))
	require.NotNil(t, child.StorageRef)

	f, err := os.ReadFile(child.StorageRef.Handle.Path())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(f))
}

func TestCopyUpIsNoOpWhenAlreadyUp(t *testing.T) {
	engine, _, child := newCowFixture(t, "hello")
	require.NoError(t, engine.Up(child))

	firstPath := child.StorageRef.Handle.Path()
	require.NoError(t, engine.Up(child))
	assert.Equal(t, firstPath, child.StorageRef.Handle.Path())
}
