package overlay

import (
	"testing"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovlfs/ovlfs/internal/backingfs"
)

func TestRefStoreGetInsertDelete(t *testing.T) {
	s := NewRefStore()
	assert.Equal(t, 0, s.Len())

	rec := s.New(fuseops.InodeID(5))
	rec.Kind = KindFile

	got, ok := s.Get(fuseops.InodeID(5))
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, 1, s.Len())

	s.Delete(fuseops.InodeID(5))
	_, ok = s.Get(fuseops.InodeID(5))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestAttachReferenceCallsMapInodeUnlessSkipped(t *testing.T) {
	s := NewRefStore()
	rec := s.New(fuseops.InodeID(1))
	rec.Kind = KindFile

	var gotDev, gotIno uint64
	var gotSide Side
	calls := 0
	mapInode := func(dev, ino uint64, side Side) error {
		calls++
		gotDev, gotIno, gotSide = dev, ino, side
		return nil
	}

	attr := backingfs.Attr{Dev: 7, Ino: 99}
	require.NoError(t, rec.AttachReference(Base, attr, nil, mapInode, false))

	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(7), gotDev)
	assert.Equal(t, uint64(99), gotIno)
	assert.Equal(t, Base, gotSide)
	assert.NotNil(t, rec.BaseRef)
	assert.False(t, rec.FreshCreated)
}

func TestAttachReferenceSkipMap(t *testing.T) {
	s := NewRefStore()
	rec := s.New(fuseops.InodeID(1))
	rec.Kind = KindDirectory

	called := false
	mapInode := func(dev, ino uint64, side Side) error {
		called = true
		return nil
	}

	require.NoError(t, rec.AttachReference(Storage, backingfs.Attr{}, nil, mapInode, true))
	assert.False(t, called)
	assert.NotNil(t, rec.StorageRef)
}

func TestSetNameAndSetParent(t *testing.T) {
	s := NewRefStore()
	rec := s.New(fuseops.InodeID(1))
	rec.Kind = KindFile

	rec.SetName("new-name")
	rec.SetParent(fuseops.InodeID(42))

	assert.Equal(t, "new-name", rec.Name)
	assert.Equal(t, fuseops.InodeID(42), rec.ParentLino)
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "base", Base.String())
	assert.Equal(t, "storage", Storage.String())
}
