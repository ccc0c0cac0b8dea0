// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"syscall"
)

// Errno is the error type returned by FileSystem methods and understood by
// the dispatcher when translating a response into the kernel's wire
// protocol. It is simply a syscall.Errno, exported under this package so
// that callers need not import the syscall package themselves.
type Errno = syscall.Errno

// Errors corresponding to kernel error numbers. These may be treated
// specially when returned by a FileSystem method; the dispatcher maps any
// other non-nil error to EIO.
const (
	EIO       = syscall.EIO
	ENOENT    = syscall.ENOENT
	ENOSYS    = syscall.ENOSYS
	ENOTEMPTY = syscall.ENOTEMPTY
	ENOTDIR   = syscall.ENOTDIR
	EEXIST    = syscall.EEXIST
	EXDEV     = syscall.EXDEV
	EINVAL    = syscall.EINVAL
	ENOSPC    = syscall.ENOSPC
	ENOMEM    = syscall.ENOMEM
	EBUSY     = syscall.EBUSY
	ELOOP     = syscall.ELOOP
	EBADF     = syscall.EBADF
	EDEADLK   = syscall.EDEADLK
	EPERM     = syscall.EPERM
	EISDIR    = syscall.EISDIR
)

// ToErrno maps an arbitrary error to the Errno that should be reported to
// the kernel, defaulting to EIO for errors that don't already carry one.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}

	if errno, ok := err.(Errno); ok {
		return errno
	}

	type causer interface {
		Cause() error
	}

	for {
		if c, ok := err.(causer); ok {
			err = c.Cause()
			if errno, ok := err.(Errno); ok {
				return errno
			}

			continue
		}

		break
	}

	return EIO
}
