package observation

import (
	"context"
	"sync"
	"time"

	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/metrics"
	"github.com/blockvault/bvault/pkg/types"
)

// Guard owns the publish guarantee of one observed unit of work: once
// Starting is published, exactly one of Succeeded or Failed must follow.
// Dropping a guard without calling either emits a Failed stage naming the
// oversight, so a panic-recovered or early-returned code path never leaves
// a unit of work silently "Starting" forever.
type Guard struct {
	bus    *Bus
	router *Router

	source    types.ID
	eventKind string

	mu   sync.Mutex
	done bool
}

// Start publishes Starting and returns a guard that must be resolved with
// Succeeded, Failed, or Result before being dropped.
func Start(bus *Bus, router *Router, source types.ID, eventKind string) *Guard {
	g := &Guard{bus: bus, router: router, source: source, eventKind: eventKind}
	g.publish(StageStarting())
	return g
}

func (g *Guard) publish(stage Stage) {
	event := Event{Source: g.source, EventKind: g.eventKind, Stage: stage, At: time.Now()}
	if g.bus != nil {
		g.bus.Publish(event)
	}
	if g.router == nil {
		return
	}
	for _, route := range g.router.Routes(g.source, g.eventKind) {
		if route.Emitter == nil {
			continue
		}
		if err := route.Emitter.Emit(context.Background(), route.EndpointID, stage); err != nil {
			metrics.ObservationEmitFailuresTotal.WithLabelValues(route.EndpointID).Inc()
			log.Logger.Warn().Err(err).Str("endpoint", route.EndpointID).Str("event_kind", g.eventKind).
				Msg("observation emit failed")
		}
	}
}

// Succeeded resolves the guard successfully. A no-op if already resolved.
func (g *Guard) Succeeded() {
	g.resolve(StageSucceeded())
}

// Failed resolves the guard with a failure reason. A no-op if already
// resolved.
func (g *Guard) Failed(reason string) {
	g.resolve(StageFailed(reason))
}

// Result resolves the guard from an error: nil means Succeeded.
func (g *Guard) Result(err error) {
	if err != nil {
		g.Failed(err.Error())
		return
	}
	g.Succeeded()
}

func (g *Guard) resolve(stage Stage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return
	}
	g.done = true
	g.publish(stage)
}

// Drop must be deferred immediately after Start. If the guard was already
// resolved, this is a no-op; otherwise it emits the "not stopped
// explicitly" failure.
func (g *Guard) Drop() {
	g.mu.Lock()
	alreadyDone := g.done
	g.mu.Unlock()
	if alreadyDone {
		return
	}
	metrics.ObservationGuardDroppedTotal.Inc()
	g.resolve(StageFailed("observation was not stopped explicitly"))
}
