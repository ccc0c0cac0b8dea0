// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuseops

import (
	"os"
	"time"
)

// An Op is any of the struct types in this package. The dispatcher in
// fuseutil type-switches on the concrete type to route the op to the
// corresponding FileSystem method, then calls Respond with the resulting
// error.
type Op interface {
	Respond(error)
}

// OpHeader contains fields common to every op, set by the connection before
// handing the op to the file system.
type OpHeader struct {
	// A unique, increasing identifier for this op, for use in logging.
	ID uint64

	// The PID of the process making the request, if known.
	Pid uint32

	// The UID and GID of the user making the request, used for permission
	// checks by file systems that enforce them.
	Uid uint32
	Gid uint32
}

// InodeID is the type used for logical inode identifiers exposed across the
// FUSE boundary. It is entirely opaque to the kernel; file systems are free
// to interpret it however they like (cf. fuseops.RootInodeID and the
// overlay's use of lino-indexed arenas).
type InodeID uint64

// RootInodeID is the inode ID of the root of the file system. FUSE requires
// this to be 1.
const RootInodeID = InodeID(1)

// HandleID is the type used for file and directory handle identifiers
// minted by the file system in response to OpenFileOp/OpenDirOp/
// CreateFileOp and echoed back in subsequent ops.
type HandleID uint64

// GenerationNumber is an opaque generation number for an inode, used by
// some kernels to help distinguish a reused inode ID from the inode it used
// to refer to.
type GenerationNumber uint64

// DirOffset is an offset into the listing of a directory, in the same
// sense as the offset parameter to readdir(3). Its range of legal values
// is controlled entirely by what the file system returns in ReadDirOp;
// see the detailed notes on ReadDirOp.Offset.
type DirOffset uint64

// OpenFlags are the flags sent with an open(2) or create(2) call, as
// delivered in OpenFileOp, OpenDirOp, and CreateFileOp. These mirror the
// O_* flags from the syscall package; they are given a distinct type here
// so callers don't need to care which platform-specific package they come
// from.
type OpenFlags uint32

const (
	OpenReadOnly  OpenFlags = 0x0
	OpenWriteOnly OpenFlags = 0x1
	OpenReadWrite OpenFlags = 0x2
	OpenAppend    OpenFlags = 0x400
	OpenCreate    OpenFlags = 0x40
	OpenExclusive OpenFlags = 0x80
	OpenTruncate  OpenFlags = 0x200
	OpenSync      OpenFlags = 0x101000
)

// IsReadOnly returns true if the flags request strictly read access.
func (f OpenFlags) IsReadOnly() bool {
	return f&0x3 == OpenReadOnly
}

// IsWriteOnly returns true if the flags request strictly write access.
func (f OpenFlags) IsWriteOnly() bool {
	return f&0x3 == OpenWriteOnly
}

// IsReadWrite returns true if the flags request both read and write access.
func (f OpenFlags) IsReadWrite() bool {
	return f&0x3 == OpenReadWrite
}

// InodeAttributes contains attributes for an inode, matching struct stat on
// a POSIX system and the subset of fields the overlay can actually
// populate, after blending base-fs and storage-fs state.
type InodeAttributes struct {
	Size  uint64
	Nlink uint32
	Mode  os.FileMode

	Uid uint32
	Gid uint32

	// Device number, valid only if Mode's type bits indicate a device node.
	Rdev uint32

	// Time information. The kernel will only ever see these as a courtesy;
	// none of the invariants in this package depend on them.
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Crtime time.Time
}

// DirentType describes the type of a directory entry, mirroring the d_type
// field of Linux's struct dirent.
type DirentType uint32

const (
	DT_Unknown  DirentType = 0
	DT_Socket   DirentType = 12
	DT_Link     DirentType = 10
	DT_File     DirentType = 8
	DT_Block    DirentType = 6
	DT_Dir      DirentType = 4
	DT_Char     DirentType = 2
	DT_FIFO     DirentType = 1
)

// ConvertFileMode returns the DirentType corresponding to the type bits of
// the given mode.
func ConvertFileMode(mode os.FileMode) DirentType {
	switch {
	case mode&os.ModeDir != 0:
		return DT_Dir
	case mode&os.ModeSymlink != 0:
		return DT_Link
	case mode&os.ModeNamedPipe != 0:
		return DT_FIFO
	case mode&os.ModeSocket != 0:
		return DT_Socket
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			return DT_Char
		}
		return DT_Block
	case mode.IsRegular():
		return DT_File
	default:
		return DT_Unknown
	}
}

// Dirent is a struct representing each of the directory entries returned
// when reading the contents of a directory via ReadDirOp, in the in-memory
// form consumed by fuseutil.WriteDirent.
type Dirent struct {
	// The offset within the directory of the entry following this one, for
	// use in a future ReadDirOp.Offset.
	Offset DirOffset

	// The inode of the child referenced by this entry.
	Inode InodeID

	// The name of the child.
	Name string

	// The type of the child, or DT_Unknown if not known.
	Type DirentType
}

// ChildInodeEntry contains information about a child inode within its
// parent directory, of the sort returned by LookUpInodeOp, MkDirOp,
// CreateFileOp, CreateSymlinkOp, LinkOp, and MkNodeOp.
type ChildInodeEntry struct {
	// The ID of the child inode. Must not be RootInodeID.
	Child InodeID

	// A generation number for this incarnation of the inode with the above
	// ID. Must be increased on reuse of an inode ID, so that a kernel that
	// has cached the previous incarnation can tell they are different.
	Generation GenerationNumber

	// Current attributes for the child inode, and the time at which they
	// should be considered stale.
	Attributes           InodeAttributes
	AttributesExpiration time.Time

	// How long the entry itself (the mapping from name to inode ID) may be
	// cached before the kernel must revalidate it.
	EntryExpiration time.Time
}
