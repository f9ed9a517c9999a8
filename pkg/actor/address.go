package actor

import "context"

type envelope struct {
	msg   any
	reply chan callResult
}

type callResult struct {
	val any
	err error
}

// Address is a handle to a running actor's mailbox. It's safe for
// concurrent use by any number of senders.
type Address struct {
	cell *cell
}

// ID returns the actor's process-wide numeric identity.
func (a *Address) ID() ID {
	return a.cell.id
}

// TypeName returns the name the actor was spawned with, for status
// reporting.
func (a *Address) TypeName() string {
	return a.cell.typeName
}

// Status returns the actor's current lifecycle status. Safe to call at any
// time, including after the actor has stopped.
func (a *Address) Status() Status {
	return a.cell.getStatus()
}

// Weak downgrades this address. A weak address does not keep the actor
// discoverable for ownership purposes and reports whether the actor is
// still accepting mail at upgrade time.
func (a *Address) Weak() WeakAddress {
	return WeakAddress{cell: a.cell}
}

// Tell sends msg without waiting for a reply. Returns ErrTargetGone iff the
// target has already stopped accepting mail.
func (a *Address) Tell(msg any) error {
	if a.cell.rejecting.Load() {
		return ErrTargetGone
	}
	select {
	case a.cell.mailbox <- envelope{msg: msg}:
		return nil
	case <-a.cell.doneCh:
		return ErrTargetGone
	}
}

// Call sends msg and suspends until the actor's handler produces a reply or
// the target stops, in which case it fails with ErrTargetGone.
func (a *Address) Call(ctx context.Context, msg any) (any, error) {
	if a.cell.rejecting.Load() {
		return nil, ErrTargetGone
	}
	reply := make(chan callResult, 1)
	select {
	case a.cell.mailbox <- envelope{msg: msg, reply: reply}:
	case <-a.cell.doneCh:
		return nil, ErrTargetGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-a.cell.doneCh:
		return nil, ErrTargetGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop requests a graceful stop: the actor finishes draining mail already
// in its mailbox, runs its Stopped hook, and transitions terminal. Safe to
// call more than once.
func (a *Address) Stop() {
	a.cell.requestStop()
}

// Wait blocks until the actor has fully stopped (Stopped has returned, or
// the actor faulted).
func (a *Address) Wait() {
	<-a.cell.doneCh
}

// WeakAddress is a non-owning reference. Upgrading after the actor has
// stopped yields ok=false.
type WeakAddress struct {
	cell *cell
}

// Upgrade returns a live Address if the actor is still accepting mail.
func (w WeakAddress) Upgrade() (*Address, bool) {
	if w.cell == nil || w.cell.rejecting.Load() {
		return nil, false
	}
	return &Address{cell: w.cell}, true
}
