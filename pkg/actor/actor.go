// Package actor implements the supervised, message-driven runtime every
// controller in this system is built on: single-threaded handler semantics
// per actor, typed tell/call messaging, panic containment, weak addresses,
// and status introspection.
package actor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blockvault/bvault/pkg/metrics"
)

// ID is an actor's process-wide numeric identity, assigned at Spawn time.
type ID uint64

var idCounter uint64

func nextID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}

// mailboxSize is generous enough that ordinary control messages (ticks,
// lifecycle notifications) never block their sender; large data never
// flows through the mailbox itself.
const mailboxSize = 64

// Actor is implemented by every application state machine run on this
// runtime. Receive is the single-threaded handler: the runtime guarantees
// at most one call to Receive executes at a time for a given actor.
type Actor interface {
	// Started runs once before any message is handled. A returned error
	// (or panic) prevents the actor from ever processing mail; Stopped is
	// not called in that case.
	Started(ctx *Context) error

	// Receive handles one message. The returned value and error are
	// delivered to the caller if the message arrived via Call; both are
	// ignored for Tell.
	Receive(ctx *Context, msg any) (any, error)

	// Stopped runs exactly once after the mailbox has been drained and no
	// further message will be delivered. Its return value becomes the
	// actor's terminal state.
	Stopped(ctx *Context) TerminalState
}

type cell struct {
	id       ID
	typeName string
	mailbox  chan envelope
	stopReq  chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	rejecting atomic.Bool

	mu     sync.RWMutex
	status Status

	cancel context.CancelFunc
}

func (c *cell) requestStop() {
	c.stopOnce.Do(func() {
		c.rejecting.Store(true)
		c.setStatus(Status{Phase: PhaseStarted, Sub: "Stopping"})
		close(c.stopReq)
	})
}

func (c *cell) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *cell) getStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Spawn starts act under the runtime's supervision and returns its address.
// typeName is purely descriptive, surfaced through Status and the status
// server.
func Spawn(typeName string, act Actor) *Address {
	stdctx, cancel := context.WithCancel(context.Background())
	c := &cell{
		id:       nextID(),
		typeName: typeName,
		mailbox:  make(chan envelope, mailboxSize),
		stopReq:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		cancel:   cancel,
	}
	addr := &Address{cell: c}
	actCtx := &Context{self: addr, stdctx: stdctx}

	registerAddr(addr)
	metrics.ActorsRunning.WithLabelValues(typeName).Inc()
	go c.run(act, actCtx)
	return addr
}

var registry = struct {
	mu    sync.Mutex
	addrs map[ID]*Address
}{addrs: make(map[ID]*Address)}

func registerAddr(addr *Address) {
	registry.mu.Lock()
	registry.addrs[addr.cell.id] = addr
	registry.mu.Unlock()
}

func unregisterAddr(id ID) {
	registry.mu.Lock()
	delete(registry.addrs, id)
	registry.mu.Unlock()
}

// AllAddresses returns every actor spawned and not yet fully stopped, in no
// particular order. Used by the status server.
func AllAddresses() []*Address {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	out := make([]*Address, 0, len(registry.addrs))
	for _, a := range registry.addrs {
		out = append(out, a)
	}
	return out
}

func (c *cell) run(act Actor, ctx *Context) {
	defer c.cancel()

	if ok, panicked := c.safeStarted(act, ctx); !ok {
		if panicked {
			c.finish(PhaseZombie, Faulted)
		} else {
			c.finish(PhaseStopped, Faulted)
		}
		return
	}
	c.setStatus(Status{Phase: PhaseStarted})

	if panicked := c.runLoop(act, ctx); panicked {
		c.finish(PhaseZombie, Faulted)
		return
	}

	terminal, panicked := c.safeStopped(act, ctx)
	if panicked {
		c.finish(PhaseZombie, Faulted)
		return
	}
	c.finish(PhaseStopped, terminal)
}

func (c *cell) safeStarted(act Actor, ctx *Context) (ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			ok, panicked = false, true
		}
	}()
	if err := act.Started(ctx); err != nil {
		return false, false
	}
	return true, false
}

func (c *cell) safeStopped(act Actor, ctx *Context) (terminal TerminalState, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()
	return act.Stopped(ctx), false
}

func (c *cell) runLoop(act Actor, ctx *Context) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
		}
	}()

	for {
		select {
		case env, ok := <-c.mailbox:
			if !ok {
				return false
			}
			c.dispatchOne(act, ctx, env)
		case <-c.stopReq:
			c.drainMailbox(act, ctx)
			return false
		}
	}
}

func (c *cell) drainMailbox(act Actor, ctx *Context) {
	for {
		select {
		case env, ok := <-c.mailbox:
			if !ok {
				return
			}
			c.dispatchOne(act, ctx, env)
		default:
			return
		}
	}
}

func (c *cell) dispatchOne(act Actor, ctx *Context, env envelope) {
	val, err := act.Receive(ctx, env.msg)
	if env.reply != nil {
		env.reply <- callResult{val: val, err: err}
	}
}

func (c *cell) finish(phase Phase, terminal TerminalState) {
	c.rejecting.Store(true)
	c.setStatus(Status{Phase: phase, Terminal: terminal})
	metrics.ActorsRunning.WithLabelValues(c.typeName).Dec()
	if terminal == Faulted {
		metrics.ActorFaultsTotal.WithLabelValues(c.typeName).Inc()
	}
	close(c.doneCh)
	unregisterAddr(c.id)
}
