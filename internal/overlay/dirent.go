package overlay

import (
	"github.com/ovlfs/ovlfs/fuseops"

	"github.com/ovlfs/ovlfs/internal/persist"
)

// DirentFlags are the directory-entry flag bits of spec.md §3.
type DirentFlags uint32

const (
	// Unlinked tombstones an entry, hiding a same-named base entry.
	Unlinked DirentFlags = 1 << iota

	// Relinked marks an entry that was unlinked then rebound to a new
	// target; treated as Unlinked for base-reference purposes.
	Relinked
)

// Dirent is the in-memory form of a directory-entry store record.
type Dirent struct {
	Name       string
	TargetLino fuseops.InodeID
	Flags      DirentFlags
}

// DirentStore is the per-logical-directory ordered entry set of spec.md
// §4.4. Callers serialize mutations of a given directory by holding that
// directory's Record.mu; the store itself only guards its persist.Store
// calls (via persist.Store's own mutex).
type DirentStore struct {
	store *persist.Store
}

// NewDirentStore wraps store for directory-entry operations.
func NewDirentStore(store *persist.Store) *DirentStore {
	return &DirentStore{store: store}
}

// Lookup returns the entry for name in dirLino.
func (d *DirentStore) Lookup(dirLino fuseops.InodeID, name string) (Dirent, bool, error) {
	recs, err := d.store.ListDirents(uint64(dirLino))
	if err != nil {
		return Dirent{}, false, newError(IoError, "lookup", err)
	}

	for _, r := range recs {
		if r.Name == name {
			return Dirent{Name: r.Name, TargetLino: fuseops.InodeID(r.TargetLino), Flags: DirentFlags(r.Flags)}, true, nil
		}
	}

	return Dirent{}, false, nil
}

// AddDirent inserts a positive entry. If a tombstone of the same name
// exists, its target is overwritten and the entry becomes a relink
// rather than a fresh positive entry (spec.md §4.4's tie-break).
func (d *DirentStore) AddDirent(dirLino fuseops.InodeID, name string, target fuseops.InodeID) error {
	existing, ok, err := d.Lookup(dirLino, name)
	if err != nil {
		return err
	}

	flags := DirentFlags(0)
	if ok && existing.Flags&Unlinked != 0 {
		flags = Relinked
	} else if ok {
		return newError(Exists, "add_dirent", nil)
	}

	rec := persist.DirentRecord{
		DirLino:    uint64(dirLino),
		Name:       name,
		TargetLino: uint64(target),
		Flags:      uint32(flags),
	}

	if err := d.store.PutDirent(rec); err != nil {
		return newError(IoError, "add_dirent", err)
	}
	return nil
}

// RenameWithin moves oldName to newName inside the same directory,
// preserving the entry's target and flags.
func (d *DirentStore) RenameWithin(dirLino fuseops.InodeID, oldName, newName string) error {
	ent, ok, err := d.Lookup(dirLino, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return newError(NotFound, "rename_within", nil)
	}

	if err := d.store.DeleteDirent(uint64(dirLino), oldName); err != nil {
		return newError(IoError, "rename_within", err)
	}

	rec := persist.DirentRecord{
		DirLino:    uint64(dirLino),
		Name:       newName,
		TargetLino: uint64(ent.TargetLino),
		Flags:      uint32(ent.Flags),
	}
	if err := d.store.PutDirent(rec); err != nil {
		return newError(IoError, "rename_within", err)
	}
	return nil
}

// Unlink marks the entry as a tombstone without hard-removing it.
// Idempotent: unlinking an already-tombstoned name succeeds silently.
func (d *DirentStore) Unlink(dirLino fuseops.InodeID, name string) error {
	ent, ok, err := d.Lookup(dirLino, name)
	if err != nil {
		return err
	}
	if !ok {
		return newError(NotFound, "unlink", nil)
	}
	if ent.Flags&Unlinked != 0 {
		return nil
	}

	rec := persist.DirentRecord{
		DirLino:    uint64(dirLino),
		Name:       name,
		TargetLino: uint64(ent.TargetLino),
		Flags:      uint32(ent.Flags | Unlinked),
	}
	if err := d.store.PutDirent(rec); err != nil {
		return newError(IoError, "unlink", err)
	}
	return nil
}

// DeleteDirent hard-removes an entry, used once its target has lost all
// references and was never a relink.
func (d *DirentStore) DeleteDirent(dirLino fuseops.InodeID, name string) error {
	if err := d.store.DeleteDirent(uint64(dirLino), name); err != nil {
		return newError(IoError, "delete_dirent", err)
	}
	return nil
}

// Count returns the number of entries in dirLino, optionally including
// tombstones.
func (d *DirentStore) Count(dirLino fuseops.InodeID, includeUnlinked bool) (int, error) {
	recs, err := d.store.ListDirents(uint64(dirLino))
	if err != nil {
		return 0, newError(IoError, "count", err)
	}

	if includeUnlinked {
		return len(recs), nil
	}

	n := 0
	for _, r := range recs {
		if DirentFlags(r.Flags)&Unlinked == 0 {
			n++
		}
	}
	return n, nil
}

// Iterate returns entries in dirLino starting at cursor (an index into
// the name-sorted sequence of all entries, tombstones included), skipping
// tombstones unless includeUnlinked is set. It returns the entries and the
// cursor to resume from on a subsequent call. The cursor is a plain
// position: adding or hard-removing a name that sorts before it shifts
// every later entry by one.
func (d *DirentStore) Iterate(dirLino fuseops.InodeID, cursor int, includeUnlinked bool) ([]Dirent, int, error) {
	recs, err := d.store.ListDirents(uint64(dirLino))
	if err != nil {
		return nil, cursor, newError(IoError, "iterate", err)
	}

	var out []Dirent
	i := cursor
	for ; i < len(recs); i++ {
		r := recs[i]
		if !includeUnlinked && DirentFlags(r.Flags)&Unlinked != 0 {
			continue
		}
		out = append(out, Dirent{Name: r.Name, TargetLino: fuseops.InodeID(r.TargetLino), Flags: DirentFlags(r.Flags)})
	}

	return out, i, nil
}
