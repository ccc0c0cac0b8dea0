// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import (
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ovlfs/ovlfs/fuseops"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// A type that knows how to serve ops read from a connection. Typically this
// is fuseutil.NewFileSystemServer wrapping a fuseutil.FileSystem.
type Server interface {
	// Read and serve ops from the supplied connection until EOF.
	ServeOps(*Connection)
}

// Transport is the boundary between a Connection and whatever is actually
// delivering kernel requests. An in-process harness (used by this package's
// tests and by samples/passthrough) implements it directly in memory; a
// binary that mounts a real kernel file system would implement it atop
// /dev/fuse, decoding the kernel wire protocol into fuseops.Op values. That
// decode is host mount machinery and is not implemented by this package;
// see cmd/mount.ovlfs for where it would be wired in.
type Transport interface {
	// Receive the next op, or io.EOF once the transport is closed.
	Recv() (fuseops.Op, error)

	// Deliver the outcome of serving an op back to the transport.
	Send(op fuseops.Op, err error) error

	Close() error
}

// Connection hands off fuseops.Op values read from a Transport, and routes
// responses back to it. A Server reads from a Connection in a loop via
// ReadOp; fuseutil.NewFileSystemServer takes care of calling op.Respond when
// it's done with each op.
type Connection struct {
	logger logrus.FieldLogger
	t      Transport

	nextID uint64

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps a Transport, assigning each received op a unique
// header ID and logging op lifecycles at debug level.
func NewConnection(logger logrus.FieldLogger, t Transport) *Connection {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Connection{
		logger: logger,
		t:      t,
	}
}

// ReadOp blocks until the next op is available, returning io.EOF once the
// underlying transport is exhausted.
func (c *Connection) ReadOp() (fuseops.Op, error) {
	op, err := c.t.Recv()
	if err != nil {
		if err != io.EOF {
			c.logger.WithError(err).Error("fuse: transport recv failed")
		}

		return nil, err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	c.stamp(op, id)

	c.logger.
		WithField("op", fmt.Sprintf("%T", op)).
		WithField("id", id).
		Debug("fuse: received op")

	return op, nil
}

// Close releases the underlying transport. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.t.Close()
}

// Every concrete fuseops.*Op embeds exactly these two fields by this name,
// in this order: "Header" of type fuseops.OpHeader, and an anonymous
// fuseops.OpContext. stamp fills both in via reflection rather than via a
// type switch over every op kind, so that adding a new op type to fuseops
// does not require a matching case here.
func (c *Connection) stamp(op fuseops.Op, id uint64) {
	v := reflect.ValueOf(op).Elem()

	header := v.FieldByName("Header")
	if header.IsValid() {
		header.FieldByName("ID").SetUint(id)
	}

	opCtx := v.FieldByName("OpContext")
	if !opCtx.IsValid() {
		return
	}

	name := v.Type().Name()
	respond := func(err error) {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}

		if sendErr := c.t.Send(op, err); sendErr != nil {
			c.logger.WithError(sendErr).Error("fuse: transport send failed")
		}
	}

	oc, _ := fuseops.NewOpContext(context.Background(), name, respond)
	opCtx.Set(reflect.ValueOf(oc))
}
