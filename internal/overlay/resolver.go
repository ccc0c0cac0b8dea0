package overlay

import (
	"os"

	"github.com/ovlfs/ovlfs/fuseops"

	"github.com/ovlfs/ovlfs/internal/backingfs"
)

// ResolveFlags are the policy knobs passed to Resolver.Resolve.
type ResolveFlags uint32

const (
	// MakeHier materializes missing intermediate ancestor directories on
	// the storage side. Never honored on base.
	MakeHier ResolveFlags = 1 << iota

	// MakeLast materializes the target itself as a directory.
	MakeLast

	// FollowMounts follows a submount mounted atop the resolved handle.
	FollowMounts
)

// maxWalkUp bounds the ancestor walk, guarding against a cyclic
// parent_lino chain (spec.md §7's Deadlock kind: "resolver hit
// self-reference into this overlay").
const maxWalkUp = 4096

// Resolver implements spec.md §4.5: given a logical inode and a side,
// produce a backing handle, by walking up the logical tree to a
// resolvable ancestor and back down.
type Resolver struct {
	refs      *RefStore
	baseFS    *backingfs.FS
	storageFS *backingfs.FS
}

// NewResolver constructs a Resolver over refs, baseFS, and storageFS.
// storageFS may be nil when the mount was opened with nostorage.
func NewResolver(refs *RefStore, baseFS, storageFS *backingfs.FS) *Resolver {
	return &Resolver{refs: refs, baseFS: baseFS, storageFS: storageFS}
}

func (r *Resolver) fsFor(side Side) *backingfs.FS {
	if side == Base {
		return r.baseFS
	}
	return r.storageFS
}

// tryDirect attempts step 1/2 of the algorithm on rec: the root
// shortcut, then a cached handle. It never touches the backing FS.
func (r *Resolver) tryDirect(rec *Record, side Side, fs *backingfs.FS) (*backingfs.Handle, bool) {
	if rec.Lino == fuseops.RootInodeID {
		return fs.Root(), true
	}

	if side == Base && rec.Flags&NoBaseRef != 0 {
		return nil, false
	}

	if h := cachedHandle(rec, side); h != nil {
		return h, true
	}

	return nil, false
}

// Resolve produces a backing handle for rec on side, per spec.md §4.5.
func (r *Resolver) Resolve(rec *Record, side Side, flags ResolveFlags) (*backingfs.Handle, error) {
	fs := r.fsFor(side)
	if fs == nil {
		return nil, newError(NotFound, "resolve", os.ErrNotExist)
	}

	if h, ok := r.tryDirect(rec, side, fs); ok {
		return r.finish(fs, h, flags)
	}

	// Walk up, collecting the chain of logical inodes (nearest-resolved
	// ancestor first, rec itself last) that must be re-resolved by
	// descending from the ancestor that does resolve.
	var chain []*Record
	cur := rec
	var ancestorHandle *backingfs.Handle

	for steps := 0; ; steps++ {
		if steps > maxWalkUp {
			return nil, newError(Deadlock, "resolve", nil)
		}

		parent, ok := r.refs.Get(cur.ParentLino)
		if !ok {
			return nil, newError(NotFound, "resolve", nil)
		}

		if h, ok := r.tryDirect(parent, side, fs); ok {
			ancestorHandle = h
			break
		}

		if parent.Lino == fuseops.RootInodeID {
			// Root always resolves via tryDirect above unless fs.Root() is
			// somehow unusable; reaching here with the root itself
			// unresolved means there is no path to a backing root at all.
			return nil, newError(NotFound, "resolve", nil)
		}

		chain = append([]*Record{parent}, chain...)
		cur = parent
	}

	chain = append(chain, rec)

	current := ancestorHandle
	for i, m := range chain {
		isLast := i == len(chain)-1

		if side == Base && m.Flags&NoBaseRef != 0 {
			return nil, newError(NotFound, "resolve", nil)
		}

		child, err := fs.LookupChild(current, m.Name)
		if err != nil {
			create := (flags&MakeHier != 0 && !isLast) || (isLast && flags&MakeLast != 0)
			if !create {
				return nil, newError(NotFound, "resolve", err)
			}

			child, err = fs.Mkdir(current, m.Name, m.Attrs.Mode|os.ModeDir)
			if err != nil {
				return nil, newError(IoError, "resolve", err)
			}
		}

		attr, err := fs.Stat(child)
		if err != nil {
			return nil, newError(IoError, "resolve", err)
		}

		m.AttachReference(side, attr, child, nil, true)
		current = child
	}

	return r.finish(fs, current, flags)
}

func (r *Resolver) finish(fs *backingfs.FS, h *backingfs.Handle, flags ResolveFlags) (*backingfs.Handle, error) {
	if flags&FollowMounts != 0 {
		followed, err := fs.FollowMount(h)
		if err != nil {
			return nil, newError(IoError, "resolve", err)
		}
		h = followed
	}

	attr, err := fs.Stat(h)
	if err != nil {
		return nil, newError(IoError, "resolve", err)
	}
	if attr.Mode.IsDir() && attr.Nlink == 0 {
		return nil, newError(NotFound, "resolve", nil)
	}

	return h, nil
}
