// Package observation implements the publish/subscribe fabric every
// observable unit of work (snapshot creation, prune, sync, scrub) reports
// through: an in-process event bus, a router from (source, event-kind) to
// health-check endpoints, an HTTP emitter, a completion guard, and an
// optional heartbeat.
package observation

import (
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/types"
)

// StageKind is the phase of an observed unit of work.
type StageKind int

const (
	Starting StageKind = iota
	Succeeded
	Failed
)

// Stage carries a reason when Kind is Failed.
type Stage struct {
	Kind   StageKind
	Reason string
}

func StageStarting() Stage            { return Stage{Kind: Starting} }
func StageSucceeded() Stage           { return Stage{Kind: Succeeded} }
func StageFailed(reason string) Stage { return Stage{Kind: Failed, Reason: reason} }

func (s Stage) String() string {
	switch s.Kind {
	case Starting:
		return "Starting"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed(" + s.Reason + ")"
	default:
		return "Unknown"
	}
}

// Event is published for every observable unit of work.
type Event struct {
	Source    types.ID
	EventKind string
	Stage     Stage
	At        time.Time
}

// Bus is the process-wide topic for ObservableEvent.
type Bus = actor.Broker[Event]

// NewBus creates an empty bus. Must be created once by the root supervisor
// before any publisher runs.
func NewBus() *Bus {
	return actor.NewBroker[Event]()
}
