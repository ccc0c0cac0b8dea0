package overlay

import (
	"os"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/pkg/errors"

	"github.com/ovlfs/ovlfs/internal/persist"
)

// InodeMapStore is the persistent inode-map store of spec.md §4.3,
// backed by internal/persist. It serializes writes under a single mutex
// (persist.Store's own), matching spec.md §5's "single global mutex,
// short critical sections" requirement for the map store.
type InodeMapStore struct {
	store *persist.Store

	// storeMaps gates both reverse maps; baseMap/storageMap gate them
	// individually, per the basemap/stgmap mount options (spec.md §6).
	storeMaps  bool
	baseMap    bool
	storageMap bool
}

// NewInodeMapStore wraps store with the reverse-map persistence policy
// selected at mount time.
func NewInodeMapStore(store *persist.Store, storeMaps, baseMap, storageMap bool) *InodeMapStore {
	return &InodeMapStore{store: store, storeMaps: storeMaps, baseMap: baseMap, storageMap: storageMap}
}

// AddInode allocates a fresh lino and persists its name and parent.
func (m *InodeMapStore) AddInode(parent fuseops.InodeID, name string, flags InodeFlags) (fuseops.InodeID, error) {
	id, err := m.store.NextLino()
	if err != nil {
		return 0, newError(NoMemory, "add_inode", errors.Wrap(err, "allocate lino"))
	}

	lino := fuseops.InodeID(id)

	rec := persist.InodeRecord{
		Lino:       uint64(lino),
		ParentLino: uint64(parent),
		Name:       name,
		Flags:      uint32(flags),
	}

	if err := m.store.PutInode(rec); err != nil {
		return 0, newError(IoError, "add_inode", err)
	}

	return lino, nil
}

// ReadInode loads lino's persisted attributes. valid is false when the
// record exists but its attributes are stale, signaling the caller to
// refresh from backing.
func (m *InodeMapStore) ReadInode(lino fuseops.InodeID) (attrs fuseops.InodeAttributes, parent fuseops.InodeID, name string, flags InodeFlags, valid bool, err error) {
	rec, ok, getErr := m.store.GetInode(uint64(lino))
	if getErr != nil {
		err = newError(IoError, "read_inode", getErr)
		return
	}
	if !ok {
		err = newError(NotFound, "read_inode", nil)
		return
	}

	attrs = fuseops.InodeAttributes{
		Size:  rec.Size,
		Nlink: rec.Nlink,
		Mode:  os.FileMode(rec.Mode),
		Uid:   rec.Uid,
		Gid:   rec.Gid,
		Rdev:  rec.Rdev,
		Atime: rec.Atime,
		Mtime: rec.Mtime,
		Ctime: rec.Ctime,
	}
	parent = fuseops.InodeID(rec.ParentLino)
	name = rec.Name
	flags = InodeFlags(rec.Flags)
	valid = rec.Mode != 0 || rec.Size != 0 || rec.HasBase || rec.HasStorage

	return
}

// UpdateInode persists attribute and flag changes for lino.
func (m *InodeMapStore) UpdateInode(lino fuseops.InodeID, attrs fuseops.InodeAttributes, flags InodeFlags, parent fuseops.InodeID, name string) error {
	rec, ok, err := m.store.GetInode(uint64(lino))
	if err != nil {
		return newError(IoError, "update_inode", err)
	}
	if !ok {
		rec = persist.InodeRecord{Lino: uint64(lino)}
	}

	rec.Mode = uint32(attrs.Mode)
	rec.Uid = attrs.Uid
	rec.Gid = attrs.Gid
	rec.Size = attrs.Size
	rec.Nlink = attrs.Nlink
	rec.Rdev = attrs.Rdev
	rec.Atime = attrs.Atime
	rec.Mtime = attrs.Mtime
	rec.Ctime = attrs.Ctime
	rec.Flags = uint32(flags)
	rec.ParentLino = uint64(parent)
	rec.Name = name

	if err := m.store.PutInode(rec); err != nil {
		return newError(IoError, "update_inode", err)
	}
	return nil
}

// MapInode records that lino corresponds to (dev, ino) on side. A no-op
// when the relevant persist option is disabled.
func (m *InodeMapStore) MapInode(lino fuseops.InodeID, dev, ino uint64, side Side) error {
	if !m.storeMaps {
		return nil
	}
	if side == Base && !m.baseMap {
		return nil
	}
	if side == Storage && !m.storageMap {
		return nil
	}

	rec, ok, err := m.store.GetInode(uint64(lino))
	if err != nil {
		return newError(IoError, "map_inode", err)
	}
	if !ok {
		rec = persist.InodeRecord{Lino: uint64(lino)}
	}

	switch side {
	case Base:
		rec.BaseDev, rec.BaseIno, rec.HasBase = dev, ino, true
	case Storage:
		rec.StorageDev, rec.StorageIno, rec.HasStorage = dev, ino, true
	}

	if err := m.store.PutInode(rec); err != nil {
		return newError(IoError, "map_inode", err)
	}
	return nil
}

// MapLookup performs the reverse lookup from a backing (dev, ino) pair to
// the logical inode that references it on side.
func (m *InodeMapStore) MapLookup(dev, ino uint64, side Side) (fuseops.InodeID, bool, error) {
	var (
		lino uint64
		ok   bool
		err  error
	)

	switch side {
	case Base:
		lino, ok, err = m.store.LookupByBaseRef(dev, ino)
	case Storage:
		lino, ok, err = m.store.LookupByStorageRef(dev, ino)
	}

	if err != nil {
		return 0, false, newError(IoError, "map_lookup", err)
	}
	return fuseops.InodeID(lino), ok, nil
}

// GetMapping returns the persisted (dev, ino) pair for lino on side.
func (m *InodeMapStore) GetMapping(lino fuseops.InodeID, side Side) (dev, ino uint64, ok bool, err error) {
	rec, found, getErr := m.store.GetInode(uint64(lino))
	if getErr != nil {
		err = newError(IoError, "get_mapping", getErr)
		return
	}
	if !found {
		return
	}

	switch side {
	case Base:
		dev, ino, ok = rec.BaseDev, rec.BaseIno, rec.HasBase
	case Storage:
		dev, ino, ok = rec.StorageDev, rec.StorageIno, rec.HasStorage
	}
	return
}
