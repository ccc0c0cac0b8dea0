// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuseops

import (
	"fmt"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/net/context"
)

// OpContext bundles the pieces every op needs in order to log and trace
// itself, and to report its outcome back to whatever delivered it.
//
// A concrete op embeds this in addition to its own header and fields; the
// fuse.Connection that reads the op populates it via NewOpContext, and the
// dispatcher in fuseutil calls Respond after the corresponding FileSystem
// method returns.
type OpContext struct {
	ctx context.Context

	// Set by the connection when the op is created; closed over by Respond so
	// that it may be called exactly once.
	respond func(error)

	// A human-readable name for the op, used in logging and tracing. Set by
	// the connection from the concrete op's type, e.g. "LookUpInodeOp".
	name string
}

// Context returns the context associated with the op, suitable for passing
// to further calls that respect cancellation and for attaching a reqtrace
// span.
func (c *OpContext) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}

	return c.ctx
}

// Respond reports the outcome of serving the op. It must be called exactly
// once. A nil error indicates success, and the file system must have
// already filled out the op's result fields.
func (c *OpContext) Respond(err error) {
	if c.respond == nil {
		return
	}

	c.respond(err)
}

// Description returns a short human-readable description of the op, for use
// in log lines.
func (c *OpContext) Description() string {
	if c.name == "" {
		return "Op"
	}

	return c.name
}

// NewOpContext constructs an OpContext for an op of the given name, wiring
// up a reqtrace span for the duration of serving it and arranging for
// respond to be invoked when the caller reports the outcome.
func NewOpContext(
	ctx context.Context,
	name string,
	respond func(error)) (oc OpContext, reportDone reqtrace.ReportFunc) {
	ctx, reportDone = reqtrace.StartSpan(ctx, name)

	oc = OpContext{
		ctx:     ctx,
		name:    name,
		respond: respond,
	}

	return
}

// describeOp returns a short human-readable description of an arbitrary op,
// for use when logging before the op's own context has been constructed.
func describeOp(op Op) string {
	return fmt.Sprintf("%T", op)
}
