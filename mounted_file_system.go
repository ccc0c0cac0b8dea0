// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// A struct representing the status of a mount operation, with a method that
// waits for unmounting.
type MountedFileSystem struct {
	dir string

	joinStatus          error
	joinStatusAvailable chan struct{}
}

// Dir returns the directory on which the file system is mounted (or where we
// attempted to mount it).
func (mfs *MountedFileSystem) Dir() string {
	return mfs.dir
}

// Join blocks until a mounted file system has been unmounted. The return
// value will be non-nil if anything unexpected happened while serving. May
// be called multiple times.
func (mfs *MountedFileSystem) Join(ctx context.Context) error {
	select {
	case <-mfs.joinStatusAvailable:
		return mfs.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MountConfig holds configuration accepted by Mount.
type MountConfig struct {
	// ReadOnly requests that the kernel deny writes to the mounted tree. The
	// overlay engine still needs the underlying storage directory to be
	// writable, since it is the CoW target.
	ReadOnly bool

	// FSName is surfaced to tools like mount(8) and df(1) as the source
	// device name.
	FSName string

	// Log is used for connection-level logging. Defaults to
	// logrus.StandardLogger() if nil.
	Log logrus.FieldLogger
}

// Mount serves ops from transport to server on a background goroutine until
// the transport is closed, and returns without waiting for any op; dir is
// only recorded, for Dir.
//
// transport is the boundary to the host kernel. This package does not
// itself open /dev/fuse or invoke the mount(2) syscall dance; both
// cmd/mount.ovlfs (under --internal-mount) and samples/passthrough pass an
// in-process ChannelTransport.
func Mount(
	dir string,
	server Server,
	transport Transport,
	config *MountConfig) (mfs *MountedFileSystem, err error) {
	if config == nil {
		config = &MountConfig{}
	}

	logger := config.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if transport == nil {
		err = fmt.Errorf("fuse.Mount: nil transport for %s", dir)
		return
	}

	mfs = &MountedFileSystem{
		dir:                 dir,
		joinStatusAvailable: make(chan struct{}),
	}

	conn := NewConnection(logger, transport)

	go func() {
		server.ServeOps(conn)
		mfs.joinStatus = conn.Close()
		close(mfs.joinStatusAvailable)
	}()

	return
}
