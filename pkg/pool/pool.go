// Package pool implements the pool actor: validates a formatted
// volume group, owns its dataset and local-container children, schedules
// scrubs with a single-flight guard, and answers child-actor lookups.
package pool

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/container"
	"github.com/blockvault/bvault/pkg/dataset"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/metrics"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/schedule"
	"github.com/blockvault/bvault/pkg/storage"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/blockvault/bvault/pkg/worker"
	"github.com/rs/zerolog"
)

// ChildKind selects which half of a pool's owned children GetChildActor
// resolves against.
type ChildKind int

const (
	ChildDataset ChildKind = iota
	ChildContainer
)

// GetChildActorRequest asks the pool for the address of one of its owned
// dataset or local-container children.
type GetChildActorRequest struct {
	Kind ChildKind
	ID   types.ID
}

// GetChildActorReply carries the resolved address, or nil if no such child
// exists.
type GetChildActorReply struct {
	Addr *actor.Address
}

// ScrubMessage triggers a pool scrub if one is not already running.
type ScrubMessage struct{}

type scrubResult struct {
	err error
}

// Config wires a pool actor to its model and collaborators.
type Config struct {
	Pool         types.Pool
	VolumeSystem volume.System
	Store        storage.Store
	Bus          *observation.Bus
	Router       *observation.Router
}

// state is the pool's coarse lifecycle.
type state int

const (
	statePending state = iota
	stateStarted
	stateFaulted
)

// Actor is the pool actor.
type Actor struct {
	cfg Config
	log zerolog.Logger

	state      state
	datasets   map[types.ID]*actor.Address
	containers map[types.ID]*actor.Address

	scrubSchedule *schedule.Message
	scrubbing     bool
	scrubTask     *worker.Task[scrubResult]
}

// New constructs a pool actor ready to Spawn.
func New(cfg Config) *Actor {
	return &Actor{
		cfg:        cfg,
		datasets:   make(map[types.ID]*actor.Address),
		containers: make(map[types.ID]*actor.Address),
	}
}

// ProbeCapabilities logs the volume tool's reported version as a startup
// diagnostic. Failure is never fatal: a pool with an unreachable or
// unrecognized tool still starts normally, but the operator sees a warning
// instead of silence.
func ProbeCapabilities(ctx context.Context, poolName string, sys volume.System) {
	version, err := sys.Version(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Str("pool", poolName).Msg("capability probe: could not determine volume tool version")
		return
	}
	log.Logger.Info().Str("pool", poolName).Str("volume_tool_version", version).Msg("capability probe")
}

// Started validates the pool's mount and constructs its dataset and local
// container children.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithPoolID(a.cfg.Pool.ID.String())

	info, err := a.cfg.VolumeSystem.QueryFilesystem(ctx.Context(), a.cfg.Pool.MountPoint)
	if err != nil {
		a.state = stateFaulted
		return fmt.Errorf("pool %s: querying mount point %s: %w", a.cfg.Pool.Name, a.cfg.Pool.MountPoint, err)
	}
	if info.UUID != a.cfg.Pool.VolumeID {
		a.state = stateFaulted
		return fmt.Errorf("pool %s: mount point %s reports volume id %s, expected %s: %w",
			a.cfg.Pool.Name, a.cfg.Pool.MountPoint, info.UUID, a.cfg.Pool.VolumeID, types.ErrConfigInvalid)
	}

	if err := validateChildren(a.cfg.Pool); err != nil {
		a.state = stateFaulted
		return err
	}

	for _, ds := range a.cfg.Pool.Datasets {
		addr := actor.Spawn("dataset", dataset.New(dataset.Config{
			Dataset:        ds,
			PoolMountPoint: a.cfg.Pool.MountPoint,
			VolumeSystem:   a.cfg.VolumeSystem,
			Bus:            a.cfg.Bus,
			Router:         a.cfg.Router,
		}))
		a.datasets[ds.ID] = addr
	}
	for _, c := range a.cfg.Pool.Containers {
		addr := actor.Spawn("container", container.New(container.Config{
			Container:      c,
			PoolMountPoint: a.cfg.Pool.MountPoint,
			VolumeSystem:   a.cfg.VolumeSystem,
			Store:          a.cfg.Store,
			Bus:            a.cfg.Bus,
			Router:         a.cfg.Router,
		}))
		a.containers[c.ID] = addr
	}

	if a.cfg.Pool.ScrubSchedule != "" {
		sched, err := schedule.New(a.cfg.Pool.ScrubSchedule, "pool-scrub:"+a.cfg.Pool.Name, ctx.Self(),
			func() any { return ScrubMessage{} })
		if err != nil {
			a.state = stateFaulted
			return fmt.Errorf("pool %s: invalid scrub schedule: %w", a.cfg.Pool.Name, err)
		}
		a.scrubSchedule = sched
	}

	a.state = stateStarted
	return nil
}

// validateChildren enforces the per-pool uniqueness invariants: no two
// datasets or containers may share a subvolume uuid or a subvolume path.
func validateChildren(p types.Pool) error {
	uuids := make(map[types.ID]string)
	paths := make(map[string]string)
	check := func(name string, u types.ID, path string) error {
		if !types.ZeroID(u) {
			if other, ok := uuids[u]; ok {
				return fmt.Errorf("pool %s: %s and %s: %w", p.Name, other, name, types.ErrUUIDCollision)
			}
			uuids[u] = name
		}
		if other, ok := paths[path]; ok {
			return fmt.Errorf("pool %s: %s and %s: %w", p.Name, other, name, types.ErrPathCollision)
		}
		paths[path] = name
		return nil
	}
	for _, d := range p.Datasets {
		if err := check("dataset "+d.Name, d.SubvolumeUUID, filepath.Join(p.MountPoint, d.Name)); err != nil {
			return err
		}
	}
	for _, c := range p.Containers {
		if err := check("container "+c.Name, c.SubvolumeUUID, filepath.Join(p.MountPoint, c.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Stopped cancels the scrub schedule and any in-flight scrub, then stops
// every owned child in reverse of construction order (containers, then
// datasets) and waits for each.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.scrubSchedule != nil {
		a.scrubSchedule.Stop()
		a.scrubSchedule.Wait()
	}
	if a.scrubTask != nil {
		a.scrubTask.Abort()
		a.scrubTask.Wait()
	}
	for _, addr := range a.containers {
		addr.Stop()
	}
	for _, addr := range a.containers {
		addr.Wait()
	}
	for _, addr := range a.datasets {
		addr.Stop()
	}
	for _, addr := range a.datasets {
		addr.Wait()
	}
	return actor.Succeeded
}

// Receive dispatches pool actor operations.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case GetChildActorRequest:
		return a.handleGetChild(m), nil
	case ScrubMessage:
		a.handleScrub(ctx)
		return nil, nil
	case worker.Complete[scrubResult]:
		a.onScrubComplete(ctx, m)
		return nil, nil
	default:
		return nil, fmt.Errorf("pool: unknown message %T", msg)
	}
}

func (a *Actor) handleGetChild(req GetChildActorRequest) GetChildActorReply {
	var addr *actor.Address
	switch req.Kind {
	case ChildDataset:
		addr = a.datasets[req.ID]
	case ChildContainer:
		addr = a.containers[req.ID]
	}
	return GetChildActorReply{Addr: addr}
}

// handleScrub is single-flight: a ScrubMessage that arrives while a scrub
// is outstanding is logged and ignored, never queued.
func (a *Actor) handleScrub(ctx *actor.Context) {
	if a.scrubbing {
		a.log.Warn().Str("pool", a.cfg.Pool.Name).Msg("scrub already in progress, ignoring tick")
		return
	}
	a.scrubbing = true
	ctx.SetStatus("Scrubbing")

	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.Pool.ID, "PoolScrub")
	timer := metrics.NewTimer()
	mountPoint := a.cfg.Pool.MountPoint
	sys := a.cfg.VolumeSystem
	self := ctx.Self()
	baseCtx := ctx.Context()

	a.scrubTask = worker.Spawn(self, func(abort <-chan struct{}) (scrubResult, error) {
		scrubCtx, cancel := worker.AbortContext(baseCtx, abort)
		defer cancel()
		err := sys.Scrub(scrubCtx, mountPoint)
		timer.ObserveDurationVec(metrics.ScrubDuration, a.cfg.Pool.ID.String())
		guard.Result(err)
		return scrubResult{err: err}, nil
	})
}

func (a *Actor) onScrubComplete(ctx *actor.Context, m worker.Complete[scrubResult]) {
	a.scrubbing = false
	ctx.SetStatus("Idle")
	if m.Result.err != nil {
		metrics.ScrubsTotal.WithLabelValues(a.cfg.Pool.ID.String(), "error").Inc()
		a.log.Warn().Err(m.Result.err).Str("pool", a.cfg.Pool.Name).Msg("scrub failed")
		return
	}
	metrics.ScrubsTotal.WithLabelValues(a.cfg.Pool.ID.String(), "ok").Inc()
}
