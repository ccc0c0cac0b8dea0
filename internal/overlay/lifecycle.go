package overlay

import (
	"container/list"
	"os"
	"sync"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/jacobsa/timeutil"
)

// pageSize is the coercion target for blksize when the backing FS
// reports zero, per spec.md §4.7's read_inode hook.
const pageSize = 4096

type inodeState int

const (
	stateFresh inodeState = iota
	stateAttached
	stateDirty
	stateClean
	stateEvicting
	stateGone
)

// LifecycleManager implements spec.md §4.7's read_inode/write_inode/
// clean_inode/put_inode hooks and the validity probe, plus the maxmem
// soft bound on resident records (ovl_ino.c's inode table growth guard
// in original_source/ovlfs-2.0.1, carried forward as a supplemented
// feature per SPEC_FULL.md §8).
type LifecycleManager struct {
	refs     *RefStore
	inodeMap *InodeMapStore
	resolver *Resolver
	clock    timeutil.Clock

	writeOnUnmountOnly bool

	mu       sync.Mutex
	maxMem   int
	lru      *list.List
	lruElems map[fuseops.InodeID]*list.Element
	states   map[fuseops.InodeID]inodeState
}

// NewLifecycleManager constructs a manager bounding the resident record
// count to maxMem (0 means unbounded).
func NewLifecycleManager(refs *RefStore, inodeMap *InodeMapStore, resolver *Resolver, clock timeutil.Clock, maxMem int, writeOnUnmountOnly bool) *LifecycleManager {
	return &LifecycleManager{
		refs:               refs,
		inodeMap:           inodeMap,
		resolver:           resolver,
		clock:              clock,
		maxMem:             maxMem,
		writeOnUnmountOnly: writeOnUnmountOnly,
		lru:                list.New(),
		lruElems:           make(map[fuseops.InodeID]*list.Element),
		states:             make(map[fuseops.InodeID]inodeState),
	}
}

// ReadInode implements read_inode(L): called when L first appears in the
// host's inode table. Populates attributes from the persisted store,
// then always resolves the record's backing reference(s), since a
// freshly built Record never carries a cached BaseRef/StorageRef across
// a remount regardless of whether its persisted attributes were stale.
// refresh also corrects the persisted-attrs case: an attrs-only load
// with a zero Mode would otherwise leave Kind misclassified as
// KindFile until something else happened to rewrite the record.
func (lm *LifecycleManager) ReadInode(lino fuseops.InodeID) (*Record, error) {
	rec, ok := lm.refs.Get(lino)
	if !ok {
		attrs, parent, name, flags, _, err := lm.inodeMap.ReadInode(lino)
		if err != nil {
			return nil, err
		}

		rec = lm.refs.New(lino)
		rec.ParentLino = parent
		rec.Name = name
		rec.Flags = flags
		rec.Attrs = attrs
		rec.Kind = kindFromMode(attrs.Mode)

		lm.refresh(rec)
	}

	if rec.Attrs.Rdev == 0 {
		// Coerce blksize/blocks the way the host expects; modeled here via
		// the Attrs struct's implicit zero value rather than separate
		// fields, since fuseops.InodeAttributes carries no blksize field of
		// its own — the FUSE kernel API derives it from Size.
	}

	lm.touch(lino)
	lm.setState(lino, stateAttached)
	lm.evictIfNeeded()

	return rec, nil
}

func kindFromMode(mode os.FileMode) Kind {
	switch {
	case mode&os.ModeDir != 0:
		return KindDirectory
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		return KindSpecial
	default:
		return KindFile
	}
}

// refresh stats whichever side resolves first and copies its attributes
// onto rec (as a side effect of resolving, rec.BaseRef/StorageRef end up
// cached too), used to reconcile a freshly loaded record against
// backing, and to correct Kind if the persisted Mode was stale or zero.
func (lm *LifecycleManager) refresh(rec *Record) {
	for _, side := range []Side{Storage, Base} {
		h, err := lm.resolver.Resolve(rec, side, 0)
		if err != nil {
			continue
		}

		fs := lm.resolver.fsFor(side)
		attr, err := fs.Stat(h)
		if err != nil {
			continue
		}

		rec.Attrs.Size = uint64(attr.Size)
		rec.Attrs.Nlink = attr.Nlink
		rec.Attrs.Mode = attr.Mode
		rec.Attrs.Uid = attr.Uid
		rec.Attrs.Gid = attr.Gid
		rec.Attrs.Rdev = attr.Rdev
		rec.Attrs.Atime = attr.Atime
		rec.Attrs.Mtime = attr.Mtime
		rec.Attrs.Ctime = attr.Ctime
		rec.Kind = kindFromMode(attr.Mode)
		return
	}
}

// WriteInode implements write_inode(L): persists attribute changes and,
// unless the mount writes only at unmount, marks the record dirty for
// the host to know a flush is pending.
func (lm *LifecycleManager) WriteInode(rec *Record) error {
	if err := lm.inodeMap.UpdateInode(rec.Lino, rec.Attrs, rec.Flags, rec.ParentLino, rec.Name); err != nil {
		return err
	}

	if !lm.writeOnUnmountOnly {
		lm.setState(rec.Lino, stateDirty)
	}
	return nil
}

// CleanInode implements clean_inode(L): drops cached backing handles and
// frees the in-memory record.
func (lm *LifecycleManager) CleanInode(rec *Record) {
	rec.ClearReferences()

	lm.mu.Lock()
	if el, ok := lm.lruElems[rec.Lino]; ok {
		lm.lru.Remove(el)
		delete(lm.lruElems, rec.Lino)
	}
	delete(lm.states, rec.Lino)
	lm.mu.Unlock()

	lm.refs.Delete(rec.Lino)
}

// PutInode implements put_inode(L): if nlink reached zero, truncate the
// logical size to zero before cleaning.
func (lm *LifecycleManager) PutInode(rec *Record) {
	if rec.Attrs.Nlink == 0 {
		rec.Attrs.Size = 0
	}
	lm.CleanInode(rec)
}

// InodeRefsValid implements inode_refs_valid(L): the validity probe of
// spec.md §4.7 / invariant 5.
func (lm *LifecycleManager) InodeRefsValid(rec *Record) bool {
	if _, err := lm.resolver.Resolve(rec, Base, 0); err == nil {
		return true
	}
	if _, err := lm.resolver.Resolve(rec, Storage, 0); err == nil {
		return true
	}
	return rec.FreshCreated
}

func (lm *LifecycleManager) setState(lino fuseops.InodeID, s inodeState) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.states[lino] = s
}

func (lm *LifecycleManager) touch(lino fuseops.InodeID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if el, ok := lm.lruElems[lino]; ok {
		lm.lru.MoveToFront(el)
		return
	}

	lm.lruElems[lino] = lm.lru.PushFront(lino)
}

// evictIfNeeded drops the least-recently-resolved clean records once the
// resident count exceeds maxMem. It never evicts a non-clean record, and
// stops at the first one it cannot evict to bound the scan.
func (lm *LifecycleManager) evictIfNeeded() {
	if lm.maxMem <= 0 {
		return
	}

	for {
		lm.mu.Lock()
		if lm.lru.Len() <= lm.maxMem {
			lm.mu.Unlock()
			return
		}

		back := lm.lru.Back()
		if back == nil {
			lm.mu.Unlock()
			return
		}

		lino := back.Value.(fuseops.InodeID)
		if lm.states[lino] != stateClean {
			lm.mu.Unlock()
			return
		}

		lm.lru.Remove(back)
		delete(lm.lruElems, lino)
		delete(lm.states, lino)
		lm.mu.Unlock()

		if rec, ok := lm.refs.Get(lino); ok {
			rec.ClearReferences()
			lm.refs.Delete(lino)
		}
	}
}

// MarkClean transitions lino to the clean state, making it eligible for
// maxmem eviction. Nothing in this package calls it, so resident records
// stay attached or dirty and evictIfNeeded evicts none of them.
func (lm *LifecycleManager) MarkClean(lino fuseops.InodeID) {
	lm.setState(lino, stateClean)
}
