// Package passthrough wires internal/overlay over two real directories
// using an in-process fuse.ChannelTransport, in the spirit of
// samples/roloopbackfs's NewReadonlyLoopbackServer but exercising the full
// overlay (read-write storage tree, copy-on-write, persistence) instead of
// a single read-only mirror.
package passthrough

import (
	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ovlfs/ovlfs"
	"github.com/ovlfs/ovlfs/fuseutil"
	"github.com/ovlfs/ovlfs/internal/backingfs"
	"github.com/ovlfs/ovlfs/internal/overlay"
	"github.com/ovlfs/ovlfs/internal/ovlconfig"
	"github.com/ovlfs/ovlfs/internal/persist"
)

// Mounted bundles a running overlay mount with the handles a demo or test
// needs to tear it down again.
type Mounted struct {
	MFS   *fuse.MountedFileSystem
	Store *persist.Store
}

// Mount builds an Overlay over baseDir (read-only tree) and storageDir
// (copy-up target), persisting logical state under stateFile, and mounts it
// at dir via an in-process ChannelTransport.
func Mount(dir, baseDir, storageDir, stateFile string, opts ovlconfig.Options) (*Mounted, error) {
	opts.BaseRoot = baseDir
	opts.StorageRoot = storageDir

	base, err := backingfs.New(baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "passthrough: open base")
	}

	storage, err := backingfs.New(storageDir)
	if err != nil {
		return nil, errors.Wrap(err, "passthrough: open storage")
	}

	store, err := persist.Open(stateFile)
	if err != nil {
		return nil, errors.Wrap(err, "passthrough: open state store")
	}

	ov, err := overlay.New(opts, base, storage, store, timeutil.RealClock(), logrus.StandardLogger())
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "passthrough: build overlay")
	}

	server := fuseutil.NewFileSystemServer(ov)
	transport := fuse.NewChannelTransport()

	mfs, err := fuse.Mount(dir, server, transport, &fuse.MountConfig{
		FSName: "ovlfs",
		Log:    logrus.StandardLogger(),
	})
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "passthrough: mount")
	}

	return &Mounted{MFS: mfs, Store: store}, nil
}
