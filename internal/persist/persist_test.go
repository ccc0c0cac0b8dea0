package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ovlfs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextLinoSkipsRootReservation(t *testing.T) {
	s := openTestStore(t)

	first, err := s.NextLino()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first)

	second, err := s.NextLino()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), second)
}

func TestPutGetDeleteInode(t *testing.T) {
	s := openTestStore(t)

	rec := InodeRecord{
		Lino:  42,
		Mode:  0644,
		Uid:   1000,
		Gid:   1000,
		Size:  128,
		Nlink: 1,
		Atime: time.Unix(1000, 0).UTC(),
		Mtime: time.Unix(2000, 0).UTC(),
		Ctime: time.Unix(3000, 0).UTC(),
		Name:  "foo",
	}
	require.NoError(t, s.PutInode(rec))

	got, ok, err := s.GetInode(42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, s.DeleteInode(42))
	_, ok, err = s.GetInode(42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupByBaseAndStorageRef(t *testing.T) {
	s := openTestStore(t)

	rec := InodeRecord{
		Lino:       7,
		HasBase:    true,
		BaseDev:    1,
		BaseIno:    99,
		HasStorage: true,
		StorageDev: 2,
		StorageIno: 55,
	}
	require.NoError(t, s.PutInode(rec))

	lino, ok, err := s.LookupByBaseRef(1, 99)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), lino)

	lino, ok, err = s.LookupByStorageRef(2, 55)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), lino)

	_, ok, err = s.LookupByBaseRef(1, 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutDirent(DirentRecord{DirLino: 1, Name: "b", TargetLino: 10}))
	require.NoError(t, s.PutDirent(DirentRecord{DirLino: 1, Name: "a", TargetLino: 11}))
	require.NoError(t, s.PutDirent(DirentRecord{DirLino: 2, Name: "c", TargetLino: 12}))

	recs, err := s.ListDirents(1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Name)
	assert.Equal(t, "b", recs[1].Name)

	require.NoError(t, s.DeleteDirent(1, "a"))
	recs, err = s.ListDirents(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Name)
}

// TestReopenRecoversState exercises spec.md §8 invariant 5 (round-trip
// persistence): every inode and dirent record written before a close is
// recovered byte-for-byte after reopening the same file. pretty.Compare
// gives a structural diff on failure rather than an opaque
// not-equal, which matters once InodeRecord grows more fields.
func TestReopenRecoversState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ovlfs.db")

	inode := InodeRecord{
		Lino:  5,
		Name:  "persisted",
		Mode:  0644,
		Size:  17,
		Nlink: 1,
		Atime: time.Unix(1111, 0).UTC(),
		Mtime: time.Unix(2222, 0).UTC(),
		Ctime: time.Unix(3333, 0).UTC(),
	}
	dirent := DirentRecord{DirLino: 1, Name: "persisted", TargetLino: 5}

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutInode(inode))
	require.NoError(t, s.PutDirent(dirent))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.GetInode(5)
	require.NoError(t, err)
	require.True(t, ok)
	if diff := pretty.Compare(inode, got); diff != "" {
		t.Errorf("inode record differs after reopen (-want +got):\n%s", diff)
	}

	recs, err := s2.ListDirents(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	if diff := pretty.Compare(dirent, recs[0]); diff != "" {
		t.Errorf("dirent record differs after reopen (-want +got):\n%s", diff)
	}
}
