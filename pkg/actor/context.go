package actor

import "context"

// Context is handed to an actor's Started, Receive, and Stopped hooks. It
// carries the actor's own address and a standard context.Context that is
// cancelled once the actor has fully stopped, for handlers to pass down
// into blocking suspension points (process launch, file I/O, HTTP calls).
// It is not cancelled at stop-request time: messages already in the mailbox
// are drained with a live context so in-flight work can finish cleanly.
type Context struct {
	self   *Address
	stdctx context.Context
}

// Self returns this actor's own address, usable for re-sending messages to
// itself (e.g. a scheduled-message loop re-arming).
func (c *Context) Self() *Address {
	return c.self
}

// Context returns a context.Context cancelled once this actor has fully
// stopped. Handlers performing blocking external calls should pass this
// down so work left running by a faulted actor cannot outlive it.
func (c *Context) Context() context.Context {
	return c.stdctx
}

// SetStatus reports a custom sub-state string for status introspection
// (e.g. "Scrubbing", "Transferring").
func (c *Context) SetStatus(sub string) {
	c.self.cell.setStatus(Status{Phase: PhaseStarted, Sub: sub})
}
