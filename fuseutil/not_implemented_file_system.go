// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuseutil

import (
	"github.com/ovlfs/ovlfs"
	"github.com/ovlfs/ovlfs/fuseops"
	"golang.org/x/net/context"
)

// NotImplementedFileSystem responds to most ops with fuse.ENOSYS; Init,
// ForgetInode, ReleaseDirHandle, SyncFile, FlushFile, ReleaseFileHandle and
// StatFS succeed without doing anything. Embed this
// in your struct to inherit default implementations for the methods you
// don't care about, ensuring your struct will continue to implement
// FileSystem even as new methods are added.
type NotImplementedFileSystem struct {
}

var _ FileSystem = &NotImplementedFileSystem{}

func (fs *NotImplementedFileSystem) Init(context.Context, *fuseops.InitOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) LookUpInode(context.Context, *fuseops.LookUpInodeOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) GetInodeAttributes(context.Context, *fuseops.GetInodeAttributesOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) SetInodeAttributes(context.Context, *fuseops.SetInodeAttributesOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) ForgetInode(context.Context, *fuseops.ForgetInodeOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) MkDir(context.Context, *fuseops.MkDirOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) MkNode(context.Context, *fuseops.MkNodeOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) CreateFile(context.Context, *fuseops.CreateFileOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) CreateSymlink(context.Context, *fuseops.CreateSymlinkOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) ReadSymlink(context.Context, *fuseops.ReadSymlinkOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) Link(context.Context, *fuseops.LinkOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) Rename(context.Context, *fuseops.RenameOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) RmDir(context.Context, *fuseops.RmDirOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) Unlink(context.Context, *fuseops.UnlinkOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) OpenDir(context.Context, *fuseops.OpenDirOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) ReadDir(context.Context, *fuseops.ReadDirOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) ReleaseDirHandle(context.Context, *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) OpenFile(context.Context, *fuseops.OpenFileOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) ReadFile(context.Context, *fuseops.ReadFileOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) WriteFile(context.Context, *fuseops.WriteFileOp) error {
	return fuse.ENOSYS
}

func (fs *NotImplementedFileSystem) SyncFile(context.Context, *fuseops.SyncFileOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) FlushFile(context.Context, *fuseops.FlushFileOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) ReleaseFileHandle(context.Context, *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *NotImplementedFileSystem) StatFS(context.Context, *fuseops.StatFSOp) error {
	return nil
}
