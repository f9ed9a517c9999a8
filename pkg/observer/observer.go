// Package observer implements the observer actor: owns the lifecycle of
// one configured observer's heartbeat, if any. The combined router every
// other actor publishes observations through is built once, at the
// captain level, by merging every observer's mappings, each routed through
// that observer's own emitter — see captain.BuildObservation.
package observer

import (
	"fmt"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/types"
)

// Config wires an observer actor to its model and its own emitter, which
// its heartbeat (if configured) pings through.
type Config struct {
	Observer types.Observer
	Emitter  *observation.Emitter
}

// Actor is the observer actor: a thin lifecycle owner for a heartbeat
// loop. The routing table it contributes to is built
// ahead of time by the captain, since every publishing actor needs a
// single combined router rather than one per observer.
type Actor struct {
	cfg       Config
	heartbeat *observation.Heartbeat
}

// New constructs an observer actor ready to Spawn.
func New(cfg Config) *Actor {
	return &Actor{cfg: cfg}
}

// Started installs the heartbeat if configured.
func (a *Actor) Started(ctx *actor.Context) error {
	if a.cfg.Observer.Heartbeat != nil {
		a.heartbeat = observation.StartHeartbeat(a.cfg.Emitter, *a.cfg.Observer.Heartbeat)
	}
	return nil
}

// Stopped cancels the heartbeat, if any.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		a.heartbeat.Wait()
	}
	return actor.Succeeded
}

// Receive has nothing to dispatch: an observer actor exists purely to own
// its heartbeat's lifecycle under supervision.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	return nil, fmt.Errorf("observer: unknown message %T", msg)
}
