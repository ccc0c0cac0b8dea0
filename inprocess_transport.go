// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"io"
	"sync"

	"github.com/ovlfs/ovlfs/fuseops"
)

// ChannelTransport is an in-process Transport backed by Go channels. It is
// used by samples/passthrough and by cmd/mount.ovlfs's --internal-mount
// path to drive a fuseutil.FileSystem without a real kernel mount.
type ChannelTransport struct {
	ops chan fuseops.Op

	mu      sync.Mutex
	results map[fuseops.Op]chan error
	closed  bool
}

// NewChannelTransport returns a ready-to-use ChannelTransport.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{
		ops:     make(chan fuseops.Op, 16),
		results: make(map[fuseops.Op]chan error),
	}
}

// Submit enqueues op for delivery to the connection's Server, blocking until
// the server has responded to it, then returns the error the file system
// responded with.
func (t *ChannelTransport) Submit(op fuseops.Op) error {
	done := make(chan error, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.results[op] = done
	t.mu.Unlock()

	t.ops <- op
	return <-done
}

// Recv implements Transport.
func (t *ChannelTransport) Recv() (fuseops.Op, error) {
	op, ok := <-t.ops
	if !ok {
		return nil, io.EOF
	}

	return op, nil
}

// Send implements Transport.
func (t *ChannelTransport) Send(op fuseops.Op, err error) error {
	t.mu.Lock()
	done, ok := t.results[op]
	if ok {
		delete(t.results, op)
	}
	t.mu.Unlock()

	if ok {
		done <- err
	}

	return nil
}

// Close implements Transport.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.ops)
	t.mu.Unlock()

	return nil
}
