package overlay

import (
	"io"
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	"github.com/jacobsa/timeutil"

	"github.com/ovlfs/ovlfs/internal/backingfs"
)

// copyBufSize is comfortably above spec.md §4.6's 1 kB minimum.
const copyBufSize = 64 * 1024

// CopyUpEngine implements spec.md §4.6: materializing a base-only regular
// file into storage on first write.
type CopyUpEngine struct {
	refs      *RefStore
	resolver  *Resolver
	inodeMap  *InodeMapStore
	baseFS    *backingfs.FS
	storageFS *backingfs.FS
	clock     timeutil.Clock
}

// NewCopyUpEngine wires the engine's dependencies.
func NewCopyUpEngine(refs *RefStore, resolver *Resolver, inodeMap *InodeMapStore, baseFS, storageFS *backingfs.FS, clock timeutil.Clock) *CopyUpEngine {
	return &CopyUpEngine{refs: refs, resolver: resolver, inodeMap: inodeMap, baseFS: baseFS, storageFS: storageFS, clock: clock}
}

// Up materializes rec in storage if it is not already there. The caller
// must hold rec.mu. A no-op if rec already has a storage reference.
func (c *CopyUpEngine) Up(rec *Record) error {
	if rec.StorageRef != nil {
		return nil
	}

	parent, ok := c.refs.Get(rec.ParentLino)
	if !ok {
		return newError(Invalid, "copy_up", os.ErrInvalid)
	}

	storageParent, err := c.resolver.Resolve(parent, Storage, MakeHier)
	if err != nil {
		return newError(NotFound, "copy_up", err)
	}

	storageHandle, lookupErr := c.storageFS.LookupChild(storageParent, rec.Name)
	created := false

	if lookupErr != nil {
		storageHandle, err = c.storageFS.Create(storageParent, rec.Name, rec.Attrs.Mode)
		if err != nil {
			return newError(IoError, "copy_up", err)
		}
		created = true

		if err := c.storageFS.Chown(storageHandle, rec.Attrs.Uid, rec.Attrs.Gid); err != nil {
			c.rollback(storageParent, rec.Name, created)
			return newError(IoError, "copy_up", err)
		}
	} else {
		storageHandle, err = c.storageFS.Open(storageHandle, os.O_RDWR)
		if err != nil {
			return newError(IoError, "copy_up", err)
		}
	}

	baseHandle, err := c.resolver.Resolve(rec, Base, 0)
	if err != nil {
		c.rollback(storageParent, rec.Name, created)
		return newError(NotFound, "copy_up", err)
	}

	baseHandle, err = c.baseFS.Open(baseHandle, os.O_RDONLY)
	if err != nil {
		c.rollback(storageParent, rec.Name, created)
		return newError(IoError, "copy_up", err)
	}

	logicalSize := int64(rec.Attrs.Size)

	if f, ok := storageFileOf(storageHandle); ok {
		// Best-effort: fallocate support varies by backing filesystem, and
		// its absence must not fail the copy-up.
		_ = fallocate.Fallocate(f, 0, logicalSize)
	}

	if err := c.copyLoop(baseHandle, storageHandle, logicalSize); err != nil {
		c.rollback(storageParent, rec.Name, created)
		return err
	}

	finalAttr, err := c.storageFS.Stat(storageHandle)
	if err != nil {
		c.rollback(storageParent, rec.Name, created)
		return newError(IoError, "copy_up", err)
	}

	sizeDiffers := finalAttr.Size != logicalSize
	if sizeDiffers {
		if err := c.storageFS.Truncate(storageHandle, logicalSize); err != nil {
			c.rollback(storageParent, rec.Name, created)
			return newError(IoError, "copy_up", err)
		}
	}

	mapFn := func(dev, ino uint64, side Side) error {
		return c.inodeMap.MapInode(rec.Lino, dev, ino, side)
	}
	if err := rec.AttachReference(Storage, finalAttr, storageHandle, mapFn, false); err != nil {
		return newError(IoError, "copy_up", err)
	}

	if sizeDiffers || rec.Flags&SizeLimit != 0 {
		rec.Flags |= SizeLimit
	}

	return nil
}

func (c *CopyUpEngine) copyLoop(base, storage *backingfs.Handle, logicalSize int64) error {
	buf := make([]byte, copyBufSize)

	var off int64
	for off < logicalSize {
		want := logicalSize - off
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}

		n, rerr := c.baseFS.Read(base, buf[:want], off)
		if n > 0 {
			wn, werr := c.storageFS.Write(storage, buf[:n], off)
			if werr != nil {
				return newError(IoError, "copy_up", werr)
			}
			if wn != n {
				return newError(IoError, "copy_up", io.ErrShortWrite)
			}
			off += int64(n)
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return newError(IoError, "copy_up", rerr)
		}
	}

	return nil
}

func (c *CopyUpEngine) rollback(dir *backingfs.Handle, name string, created bool) {
	if !created {
		return
	}
	_ = c.storageFS.Unlink(dir, name)
}

// storageFileOf extracts the *os.File underlying h, for the fallocate
// preallocation call, which needs a raw file descriptor rather than a
// backingfs.Handle.
func storageFileOf(h *backingfs.Handle) (*os.File, bool) {
	f := h.File()
	return f, f != nil
}
