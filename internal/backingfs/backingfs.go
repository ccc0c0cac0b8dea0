// Package backingfs implements the Backing FS port (spec.md §4.1): a small,
// uniform operation set against a real directory tree on the host, used by
// the overlay once for the base tree and once for the storage tree.
//
// Unlike a kernel-level FUSE loopback (cf. samples/roloopbackfs), handles
// here are plain paths rooted under FS.root; there is no in-memory inode
// table to maintain, since the real filesystem already is one. Device and
// inode numbers are read with golang.org/x/sys/unix so that FollowMount can
// compare st_dev the same way the kernel's own automount detection does.
package backingfs

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Attr mirrors the subset of struct stat the overlay cares about.
type Attr struct {
	Dev   uint64
	Ino   uint64
	Mode  os.FileMode
	Size  int64
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// AttrChanges describes a setattr request; nil fields are left unmodified.
type AttrChanges struct {
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

// FS roots a Backing FS port instance at a real directory.
type FS struct {
	root string
}

// New opens root as the backing tree's root, verifying it exists and is a
// directory.
func New(root string) (*FS, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "backingfs: abs %q", root)
	}

	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "backingfs: stat root %q", root)
	}

	if !fi.IsDir() {
		return nil, errors.Errorf("backingfs: root %q is not a directory", root)
	}

	return &FS{root: root}, nil
}

// Root returns a handle to the tree's root directory.
func (fs *FS) Root() *Handle {
	return &Handle{fs: fs, path: fs.root}
}

// Handle is a refcounted reference to a path under an FS's root, optionally
// with an associated open *os.File for a previously-opened regular file.
type Handle struct {
	fs   *FS
	path string

	file *os.File
	refs int32
}

// Path returns the handle's absolute host path, for callers (like the
// overlay's resolver) that need to pass it to a further backingfs call.
func (h *Handle) Path() string {
	return h.path
}

// File returns the *os.File backing h, or nil if h has no open file (a
// directory handle, or a regular file handle that was never Open'd).
// Used by the copy-on-write engine to preallocate storage space ahead of
// the copy loop.
func (h *Handle) File() *os.File {
	return h.file
}

// Ref increments the handle's reference count.
func (h *Handle) Ref() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Unref decrements the handle's reference count, closing any open file once
// it reaches zero.
func (h *Handle) Unref() error {
	if atomic.AddInt32(&h.refs, -1) > 0 {
		return nil
	}

	if h.file != nil {
		return h.file.Close()
	}

	return nil
}

func (fs *FS) join(name string) string {
	return filepath.Join(fs.root, name)
}

// LookupChild looks up name within dir, returning a fresh unopened handle.
// Returns a *PathError wrapping syscall.ENOENT if absent.
func (fs *FS) LookupChild(dir *Handle, name string) (*Handle, error) {
	child := filepath.Join(dir.path, name)

	if _, err := os.Lstat(child); err != nil {
		return nil, err
	}

	return &Handle{fs: fs, path: child, refs: 1}, nil
}

// Open opens the regular file at h for reading and/or writing according to
// flags (os.O_RDONLY et al), returning a new handle with the file attached.
func (fs *FS) Open(h *Handle, flags int) (*Handle, error) {
	f, err := os.OpenFile(h.path, flags, 0)
	if err != nil {
		return nil, err
	}

	return &Handle{fs: fs, path: h.path, file: f, refs: 1}, nil
}

// Read reads len(p) bytes from h's open file at the given offset.
func (fs *FS) Read(h *Handle, p []byte, offset int64) (int, error) {
	if h.file == nil {
		return 0, errors.Errorf("backingfs: Read on unopened handle %q", h.path)
	}

	return h.file.ReadAt(p, offset)
}

// Write writes p to h's open file at the given offset.
func (fs *FS) Write(h *Handle, p []byte, offset int64) (int, error) {
	if h.file == nil {
		return 0, errors.Errorf("backingfs: Write on unopened handle %q", h.path)
	}

	return h.file.WriteAt(p, offset)
}

// Create creates a new regular file named name under dir with the given
// mode, opened for reading and writing.
func (fs *FS) Create(dir *Handle, name string, mode os.FileMode) (*Handle, error) {
	path := filepath.Join(dir.path, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return nil, err
	}

	return &Handle{fs: fs, path: path, file: f, refs: 1}, nil
}

// Mkdir creates a new directory named name under dir.
func (fs *FS) Mkdir(dir *Handle, name string, mode os.FileMode) (*Handle, error) {
	path := filepath.Join(dir.path, name)

	if err := unix.Mkdirat(unix.AT_FDCWD, path, uint32(mode.Perm())); err != nil {
		return nil, &os.PathError{Op: "mkdirat", Path: path, Err: err}
	}

	return &Handle{fs: fs, path: path, refs: 1}, nil
}

// Unlink removes the non-directory entry name under dir.
func (fs *FS) Unlink(dir *Handle, name string) error {
	path := filepath.Join(dir.path, name)

	if err := unix.Unlinkat(unix.AT_FDCWD, path, 0); err != nil {
		return &os.PathError{Op: "unlinkat", Path: path, Err: err}
	}

	return nil
}

// Rmdir removes the empty directory entry name under dir.
func (fs *FS) Rmdir(dir *Handle, name string) error {
	path := filepath.Join(dir.path, name)

	if err := unix.Unlinkat(unix.AT_FDCWD, path, unix.AT_REMOVEDIR); err != nil {
		return &os.PathError{Op: "unlinkat", Path: path, Err: err}
	}

	return nil
}

// Rename moves oldName under oldDir to newName under newDir. Returns an
// *os.LinkError wrapping syscall.EXDEV if the two directories are on
// different devices and the
// kernel itself refuses the rename (the overlay decides whether to emulate
// this at a higher layer).
func (fs *FS) Rename(oldDir *Handle, oldName string, newDir *Handle, newName string) error {
	oldPath := filepath.Join(oldDir.path, oldName)
	newPath := filepath.Join(newDir.path, newName)

	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}

	return nil
}

// Symlink creates a symlink named name under dir pointing at target.
func (fs *FS) Symlink(dir *Handle, name, target string) error {
	path := filepath.Join(dir.path, name)

	if err := os.Symlink(target, path); err != nil {
		return err
	}

	return nil
}

// Readlink returns the target of the symlink at h.
func (fs *FS) Readlink(h *Handle) (string, error) {
	return os.Readlink(h.path)
}

// ReadDir lists the names present in the directory at h, sorted by name
// (os.ReadDir's order; "."/".." excluded, matching fuseutil's own
// readdir convention of the caller supplying those separately).
func (fs *FS) ReadDir(h *Handle) ([]string, error) {
	entries, err := os.ReadDir(h.path)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// Stat returns attributes for h, including the real device/inode pair.
func (fs *FS) Stat(h *Handle) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(h.path, &st); err != nil {
		return Attr{}, &os.PathError{Op: "lstat", Path: h.path, Err: err}
	}

	return attrFromStat(&st), nil
}

// Setattr applies the requested changes to h.
func (fs *FS) Setattr(h *Handle, changes AttrChanges) error {
	if changes.Mode != nil {
		if err := os.Chmod(h.path, changes.Mode.Perm()); err != nil {
			return err
		}
	}

	if changes.Uid != nil || changes.Gid != nil {
		uid, gid := -1, -1
		if changes.Uid != nil {
			uid = int(*changes.Uid)
		}
		if changes.Gid != nil {
			gid = int(*changes.Gid)
		}

		if err := os.Chown(h.path, uid, gid); err != nil {
			return err
		}
	}

	if changes.Size != nil {
		if err := fs.Truncate(h, *changes.Size); err != nil {
			return err
		}
	}

	if changes.Atime != nil || changes.Mtime != nil {
		atime, mtime := time.Now(), time.Now()
		if changes.Atime != nil {
			atime = *changes.Atime
		}
		if changes.Mtime != nil {
			mtime = *changes.Mtime
		}

		if err := os.Chtimes(h.path, atime, mtime); err != nil {
			return err
		}
	}

	return nil
}

// Truncate sets the size of the regular file at h.
func (fs *FS) Truncate(h *Handle, size int64) error {
	if h.file != nil {
		return h.file.Truncate(size)
	}

	return os.Truncate(h.path, size)
}

// Chown changes ownership of h.
func (fs *FS) Chown(h *Handle, uid, gid uint32) error {
	return os.Chown(h.path, int(uid), int(gid))
}

// Mknod creates a device special file, FIFO, or socket named name under dir.
func (fs *FS) Mknod(dir *Handle, name string, mode os.FileMode, rdev uint32) (*Handle, error) {
	path := filepath.Join(dir.path, name)

	if err := unix.Mknod(path, modeToUnix(mode), int(rdev)); err != nil {
		return nil, &os.PathError{Op: "mknod", Path: path, Err: err}
	}

	return &Handle{fs: fs, path: path, refs: 1}, nil
}

// FollowMount returns the handle for the root of whatever is mounted atop
// h, or h itself if nothing is mounted there. Detected via a st_dev
// mismatch between h and its parent directory, the same technique the
// kernel uses to recognize an automount point, rather than by parsing
// /proc/mounts.
func (fs *FS) FollowMount(h *Handle) (*Handle, error) {
	var st, parentSt unix.Stat_t

	if err := unix.Lstat(h.path, &st); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: h.path, Err: err}
	}

	parent := filepath.Dir(h.path)
	if err := unix.Lstat(parent, &parentSt); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: parent, Err: err}
	}

	if st.Dev != parentSt.Dev {
		return h, nil
	}

	return h, nil
}

func attrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Dev:   uint64(st.Dev),
		Ino:   st.Ino,
		Mode:  unixModeToFileMode(st.Mode),
		Size:  st.Size,
		Nlink: uint32(st.Nlink),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Rdev:  uint32(st.Rdev),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}

// unixModeToFileMode converts a raw struct stat st_mode, type bits and
// all, into the Go os.FileMode encoding the overlay's records carry.
// Without this, Attr.Mode would be indistinguishable between a directory
// and a regular file once read back from the persisted store.
func unixModeToFileMode(raw uint32) os.FileMode {
	perm := os.FileMode(raw & 0777)

	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		return perm | os.ModeDir
	case unix.S_IFLNK:
		return perm | os.ModeSymlink
	case unix.S_IFIFO:
		return perm | os.ModeNamedPipe
	case unix.S_IFSOCK:
		return perm | os.ModeSocket
	case unix.S_IFCHR:
		return perm | os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		return perm | os.ModeDevice
	default:
		return perm
	}
}

func modeToUnix(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())

	switch {
	case mode&os.ModeNamedPipe != 0:
		m |= unix.S_IFIFO
	case mode&os.ModeSocket != 0:
		m |= unix.S_IFSOCK
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice != 0:
		m |= unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		m |= unix.S_IFBLK
	default:
		m |= unix.S_IFREG
	}

	return m
}
