// Package overlay implements the core of ovlfs: the reference-resolution,
// inode-lifecycle, and copy-on-write engine composing a read-only base
// tree and a read-write storage tree into one virtual namespace.
//
// Grounded on samples/memfs's inode/dir arena style (mutex-guarded
// records, invariant checks via syncutil.InvariantMutex), generalized
// from memfs's single-tree model to the overlay's two-sided one.
package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/ovlfs/ovlfs/internal/backingfs"
)

// Side names which backing tree a reference or resolution targets.
type Side int

const (
	Base Side = iota
	Storage
)

func (s Side) String() string {
	if s == Base {
		return "base"
	}
	return "storage"
}

// InodeFlags are the logical-inode-level flag bits of spec.md §3.
type InodeFlags uint32

const (
	// SizeLimit marks the logical size as authoritative; reads past it
	// return zero bytes rather than backing data.
	SizeLimit InodeFlags = 1 << iota

	// NoBaseRef marks a logical inode that must never resolve against
	// base, regardless of any stale BaseRef value.
	NoBaseRef
)

// Kind tags the logical inode's dispatch variant (spec.md §9's
// replacement for per-mode function tables).
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
	KindSpecial
)

// Ref is a cached or persisted pointer from a lino to a concrete backing
// (dev, ino) pair, plus an optional live handle.
type Ref struct {
	Dev, Ino uint64
	Handle   *backingfs.Handle
}

// Record is the in-memory per-logical-inode state of spec.md §4.2. The
// reference store is authoritative for these fields; internal/persist is
// authoritative for their durable copy.
type Record struct {
	mu syncutil.InvariantMutex

	Lino       fuseops.InodeID
	Kind       Kind
	ParentLino fuseops.InodeID
	Name       string
	Attrs      fuseops.InodeAttributes
	Flags      InodeFlags

	// SymlinkTarget is valid only when Kind == KindSymlink.
	SymlinkTarget string

	// FreshCreated marks a logical inode created in storage that has not
	// yet had any reference attached — the second disjunct of invariant 5.
	FreshCreated bool

	// BaseScanned marks a directory whose base-side children have already
	// been merged into the directory-entry store (dirent.go's lazy
	// write-back, spec.md §4.4). Resident-only: a remount simply rescans,
	// which is redundant but never incorrect.
	BaseScanned bool

	BaseRef    *Ref
	StorageRef *Ref

	lastTouched time.Time // GUARDED_BY(mu); unused: lifecycle's LRU keeps its own list
}

func newRecord(lino fuseops.InodeID) *Record {
	r := &Record{Lino: lino}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Record) checkInvariants() {
	if r.Kind == KindSymlink && r.SymlinkTarget == "" {
		panic(fmt.Sprintf("lino %d: symlink with empty target", r.Lino))
	}
	if r.Kind != KindSymlink && r.SymlinkTarget != "" {
		panic(fmt.Sprintf("lino %d: non-symlink with target %q", r.Lino, r.SymlinkTarget))
	}
}

// RefStore is the arena owning every resident Record, keyed by lino. It
// never holds owning pointers between records; cross-references are
// always lino values, per spec.md §9's cyclic-reference design note.
type RefStore struct {
	mu      sync.Mutex
	records map[fuseops.InodeID]*Record
}

// NewRefStore constructs an empty arena. The root record is not created
// here; Overlay.New attaches it once base/storage roots are known.
func NewRefStore() *RefStore {
	return &RefStore{records: make(map[fuseops.InodeID]*Record)}
}

// Get returns the resident record for lino, if any.
func (s *RefStore) Get(lino fuseops.InodeID) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[lino]
	return r, ok
}

// Insert adds a freshly constructed record to the arena, keyed by its own
// Lino field.
func (s *RefStore) Insert(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Lino] = r
}

// New allocates and inserts a bare record for lino, ready for its caller
// to populate under r.mu.
func (s *RefStore) New(lino fuseops.InodeID) *Record {
	r := newRecord(lino)
	s.Insert(r)
	return r
}

// Delete removes lino from the arena, called by the lifecycle manager's
// clean_inode once a record has been fully evicted.
func (s *RefStore) Delete(lino fuseops.InodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, lino)
}

// Len reports the number of resident records (the Files count of StatFS).
func (s *RefStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// AttachReference implements spec.md §4.2's attach_reference: sets the
// (dev, ino) pair from handle's attributes, caches the handle, and
// releases any previously cached handle on the same side. The caller
// must hold r.mu. mapInode is called unless skipMap is set, keeping the
// reference store and the persisted map store in sync.
func (r *Record) AttachReference(side Side, attr backingfs.Attr, handle *backingfs.Handle, mapInode func(dev, ino uint64, side Side) error, skipMap bool) error {
	ref := &Ref{Dev: attr.Dev, Ino: attr.Ino, Handle: handle}

	var old *Ref
	switch side {
	case Base:
		old = r.BaseRef
		r.BaseRef = ref
	case Storage:
		old = r.StorageRef
		r.StorageRef = ref
	}

	if old != nil && old.Handle != nil && old.Handle != handle {
		old.Handle.Unref()
	}

	r.FreshCreated = false

	if skipMap || mapInode == nil {
		return nil
	}
	return mapInode(attr.Dev, attr.Ino, side)
}

// ClearReferences drops any cached handles, releasing their refcounts.
// Called from the lifecycle manager's clean_inode.
func (r *Record) ClearReferences() {
	if r.BaseRef != nil && r.BaseRef.Handle != nil {
		r.BaseRef.Handle.Unref()
	}
	if r.StorageRef != nil && r.StorageRef.Handle != nil {
		r.StorageRef.Handle.Unref()
	}
	r.BaseRef = nil
	r.StorageRef = nil
}

// SetName rebinds the name under which this record was last bound in its
// parent, used when a directory entry is renamed.
func (r *Record) SetName(name string) {
	r.Name = name
}

// SetParent rebinds the parent lino, used under rename's collision
// tie-break (spec.md §4.5).
func (r *Record) SetParent(parent fuseops.InodeID) {
	r.ParentLino = parent
}

func cachedHandle(r *Record, side Side) *backingfs.Handle {
	switch side {
	case Base:
		if r.BaseRef != nil {
			return r.BaseRef.Handle
		}
	case Storage:
		if r.StorageRef != nil {
			return r.StorageRef.Handle
		}
	}
	return nil
}
