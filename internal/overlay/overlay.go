package overlay

import (
	"os"
	"sync"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/ovlfs/ovlfs/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/ovlfs/ovlfs/internal/backingfs"
	"github.com/ovlfs/ovlfs/internal/ovlconfig"
	"github.com/ovlfs/ovlfs/internal/persist"
)

// Overlay implements fuseutil.FileSystem, gluing the reference store,
// inode map, directory-entry store, resolver, copy-up engine, and
// lifecycle manager of spec.md §4 into the dispatcher of §4.8.
type Overlay struct {
	cfg ovlconfig.Options

	refs      *RefStore
	dirents   *DirentStore
	inodeMap  *InodeMapStore
	resolver  *Resolver
	copyUp    *CopyUpEngine
	lifecycle *LifecycleManager

	baseFS    *backingfs.FS
	storageFS *backingfs.FS

	clock timeutil.Clock
	log   logrus.FieldLogger

	mu          sync.Mutex
	nextHandle  fuseops.HandleID
	fileHandles map[fuseops.HandleID]*fileHandleState
	dirHandles  map[fuseops.HandleID]*dirHandleState
}

var _ fuseutil.FileSystem = (*Overlay)(nil)

type fileHandleState struct {
	rec    *Record
	isBase bool
	append bool
}

type dirHandleState struct {
	dirLino fuseops.InodeID
	cursor  int
}

// New constructs an Overlay over the given base and storage trees,
// persisting logical state to store. base must be reachable; storage may
// be nil only when cfg.NoStorage is set.
func New(cfg ovlconfig.Options, base, storage *backingfs.FS, store *persist.Store, clock timeutil.Clock, log logrus.FieldLogger) (*Overlay, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clock == nil {
		clock = timeutil.RealClock()
	}

	refs := NewRefStore()
	inodeMap := NewInodeMapStore(store, cfg.StoreMaps, cfg.BaseMap, cfg.StorageMap)
	dirents := NewDirentStore(store)
	resolver := NewResolver(refs, base, storage)
	copyUp := NewCopyUpEngine(refs, resolver, inodeMap, base, storage, clock)
	lifecycle := NewLifecycleManager(refs, inodeMap, resolver, clock, cfg.MaxMem, cfg.UpdateOnUnmountOnly)

	o := &Overlay{
		cfg:         cfg,
		refs:        refs,
		dirents:     dirents,
		inodeMap:    inodeMap,
		resolver:    resolver,
		copyUp:      copyUp,
		lifecycle:   lifecycle,
		baseFS:      base,
		storageFS:   storage,
		clock:       clock,
		log:         log,
		fileHandles: make(map[fuseops.HandleID]*fileHandleState),
		dirHandles:  make(map[fuseops.HandleID]*dirHandleState),
	}

	if err := o.initRoot(); err != nil {
		return nil, err
	}

	return o, nil
}

// initRoot attaches invariant 1's root record: lino 1, bound to both
// tree roots whenever each is present.
func (o *Overlay) initRoot() error {
	root := o.refs.New(fuseops.RootInodeID)
	root.Kind = KindDirectory
	root.ParentLino = fuseops.RootInodeID
	root.Name = ""

	baseAttr, err := o.baseFS.Stat(o.baseFS.Root())
	if err != nil {
		return newError(Invalid, "init_root", err)
	}
	root.Attrs = attrsFromBacking(baseAttr)
	if err := root.AttachReference(Base, baseAttr, o.baseFS.Root().Ref(), nil, true); err != nil {
		return err
	}

	if o.storageFS != nil {
		stAttr, err := o.storageFS.Stat(o.storageFS.Root())
		if err == nil {
			_ = root.AttachReference(Storage, stAttr, o.storageFS.Root().Ref(), nil, true)
		}
	}

	if root.Attrs.Nlink < 2 {
		root.Attrs.Nlink = 2
	}

	return nil
}

func attrsFromBacking(a backingfs.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: a.Nlink,
		Mode:  a.Mode,
		Uid:   a.Uid,
		Gid:   a.Gid,
		Rdev:  a.Rdev,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
	}
}

// ensureBaseDiscovered merges dir's base-side children into the
// directory-entry store the first time dir is consulted (spec.md §4.4's
// "in-memory persisted structure with lazy write-back"). Names already
// tracked (created, renamed-in, or tombstoned through the overlay) are
// left alone; only base entries with no dirent yet are added, each
// getting a fresh base-referenced logical inode. A directory with no
// base counterpart at all (NoBaseRef, or resolution fails) is simply
// marked scanned with nothing to merge.
func (o *Overlay) ensureBaseDiscovered(dir *Record) error {
	if dir.BaseScanned || dir.Kind != KindDirectory {
		return nil
	}
	dir.BaseScanned = true

	if dir.Flags&NoBaseRef != 0 {
		return nil
	}

	h, err := o.resolver.Resolve(dir, Base, 0)
	if err != nil {
		return nil
	}

	names, err := o.baseFS.ReadDir(h)
	if err != nil {
		return newError(IoError, "discover_base", err)
	}

	for _, name := range names {
		if _, ok, err := o.dirents.Lookup(dir.Lino, name); err != nil || ok {
			continue
		}

		child, err := o.baseFS.LookupChild(h, name)
		if err != nil {
			continue
		}
		attr, err := o.baseFS.Stat(child)
		if err != nil {
			continue
		}

		kind := kindFromMode(attr.Mode)
		rec, err := o.newLogicalInode(dir.Lino, name, kind, attr)
		if err != nil {
			continue
		}
		if kind == KindSymlink {
			if target, err := o.baseFS.Readlink(child); err == nil {
				rec.SymlinkTarget = target
			}
		}
		if err := rec.AttachReference(Base, attr, child.Ref(), o.mapFunc(rec), false); err != nil {
			continue
		}
		if err := o.dirents.AddDirent(dir.Lino, name, rec.Lino); err != nil {
			continue
		}
		if err := o.lifecycle.WriteInode(rec); err != nil {
			continue
		}
	}

	return nil
}

func (o *Overlay) allocHandle() fuseops.HandleID {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandle++
	return o.nextHandle
}

// getRecord resolves lino to a resident Record, loading it via the
// lifecycle manager's read_inode hook if it is not yet in memory.
func (o *Overlay) getRecord(lino fuseops.InodeID) (*Record, error) {
	if rec, ok := o.refs.Get(lino); ok {
		return rec, nil
	}
	return o.lifecycle.ReadInode(lino)
}

func kindToFileMode(k Kind, perm os.FileMode) os.FileMode {
	switch k {
	case KindDirectory:
		return os.ModeDir | perm
	case KindSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}
