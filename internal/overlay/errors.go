package overlay

import (
	"fmt"

	fuse "github.com/ovlfs/ovlfs"
)

// Kind is one of the error kinds of spec.md §7, each mapped to a host
// errno at the dispatcher boundary.
type Kind int

const (
	_ Kind = iota
	NotFound
	NotADirectory
	Exists
	NotEmpty
	CrossDevice
	Invalid
	NoSpace
	IoError
	NoMemory
	Busy
	Loop
	BadHandle
	Deadlock
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case NotADirectory:
		return "NotADirectory"
	case Exists:
		return "Exists"
	case NotEmpty:
		return "NotEmpty"
	case CrossDevice:
		return "CrossDevice"
	case Invalid:
		return "Invalid"
	case NoSpace:
		return "NoSpace"
	case IoError:
		return "IoError"
	case NoMemory:
		return "NoMemory"
	case Busy:
		return "Busy"
	case Loop:
		return "Loop"
	case BadHandle:
		return "BadHandle"
	case Deadlock:
		return "Deadlock"
	default:
		return "Unknown"
	}
}

// Errno returns the host errno this kind maps to, per spec.md §7.
func (k Kind) Errno() fuse.Errno {
	switch k {
	case NotFound:
		return fuse.ENOENT
	case NotADirectory:
		return fuse.ENOTDIR
	case Exists:
		return fuse.EEXIST
	case NotEmpty:
		return fuse.ENOTEMPTY
	case CrossDevice:
		return fuse.EXDEV
	case Invalid:
		return fuse.EINVAL
	case NoSpace:
		return fuse.ENOSPC
	case IoError:
		return fuse.EIO
	case NoMemory:
		return fuse.ENOMEM
	case Busy:
		return fuse.EBUSY
	case Loop:
		return fuse.ELOOP
	case BadHandle:
		return fuse.EBADF
	case Deadlock:
		return fuse.EDEADLK
	default:
		return fuse.EIO
	}
}

// Error is the error type every overlay operation returns: a kind (for
// errno translation), the operation name (for logging), and the
// underlying cause (preserved via Cause/Unwrap for pkg/errors-style
// inspection further up the stack).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("overlay: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("overlay: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Cause() error { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// IoError otherwise — the catch-all for backing-FS failures that were
// never classified.
func KindOf(err error) Kind {
	for err != nil {
		if oe, ok := err.(*Error); ok {
			return oe.Kind
		}

		causer, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = causer.Cause()
	}

	return IoError
}
