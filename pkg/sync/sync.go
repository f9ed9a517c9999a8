// Package sync implements the sync actor: decides which snapshots to
// transfer from one dataset to one container, in what order, under which
// scheduling mode, and coordinates the transfer lifecycle through to
// completion.
package sync

import (
	"fmt"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/container"
	"github.com/blockvault/bvault/pkg/dataset"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/retention"
	"github.com/blockvault/bvault/pkg/schedule"
	"github.com/blockvault/bvault/pkg/storage"
	"github.com/blockvault/bvault/pkg/transfer"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/worker"
	"github.com/rs/zerolog"
)

// TickMessage drives the scheduled modes (LatestScheduled, AllScheduled).
type TickMessage struct{}

// datasetEventMessage is forwarded from the observation broker for the
// immediate modes, which react to their own dataset's snapshot-creation
// events rather than a timer.
type datasetEventMessage struct {
	event observation.Event
}

// Config wires a sync actor to the dataset and container it links, held as
// weak addresses: a sync never owns the actors it references, so a dead
// target just means "skip this cycle", never a crash.
type Config struct {
	Sync          types.Sync
	DatasetID     types.ID
	ContainerID   types.ID
	ContainerKind types.ContainerKind
	DatasetAddr   actor.WeakAddress
	ContainerAddr actor.WeakAddress

	Store  storage.Store
	Bus    *observation.Bus
	Router *observation.Router
}

type dedupResult struct {
	datetime  time.Time
	err       error
	cancelled bool
}

type pendingSend struct {
	snapshotUUID types.ID
	datetime     time.Time
	transferAddr *actor.Address
	dedupTask    *worker.Task[dedupResult]
}

// Actor is the sync actor.
type Actor struct {
	cfg Config
	log zerolog.Logger

	scheduleHandle *schedule.Message
	subID          int
	subCh          <-chan observation.Event
	subDone        chan struct{}

	// LatestScheduled / LatestImmediate: queued deadlines awaiting a send.
	deadlineQueue []time.Time
	// AllScheduled: the most recent tick's instant, nil before the first
	// tick.
	scheduleWindow *time.Time
	// LatestImmediate: minimum spacing between queued sends.
	lastSent time.Time

	active *pendingSend
}

// New constructs a sync actor ready to Spawn. The immediate modes subscribe
// to the bus here rather than in Started, which runs asynchronously after
// Spawn, so an event published right after Spawn is not missed.
func New(cfg Config) *Actor {
	a := &Actor{cfg: cfg}
	switch cfg.Sync.Mode {
	case types.SyncAllImmediate, types.SyncLatestImmediate:
		a.subID, a.subCh = cfg.Bus.Subscribe()
	}
	return a
}

// Started resumes persisted progress, installs scheduling appropriate to
// the configured mode, and runs one cycle immediately in case snapshots
// became ready to send while this process was down.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithComponent("sync").With().Str("sync_id", a.cfg.Sync.ID.String()).Logger()

	if a.cfg.Store != nil {
		if state, ok, err := a.cfg.Store.LoadSyncState(a.cfg.Sync.ID); err == nil && ok {
			a.lastSent = state.LastSentAt
			if state.ActiveSend != nil {
				a.log.Warn().Msg("discarding in-flight send from before restart, state cannot be verified")
				_ = a.cfg.Store.SaveSyncState(storage.SyncState{SyncID: a.cfg.Sync.ID, LastSentUUID: state.LastSentUUID, LastSentAt: state.LastSentAt})
			}
		}
	}

	switch a.cfg.Sync.Mode {
	case types.SyncLatestScheduled, types.SyncAllScheduled:
		sched, err := schedule.New(a.cfg.Sync.Schedule, "sync-tick:"+a.cfg.Sync.ID.String(), ctx.Self(),
			func() any { return TickMessage{} })
		if err != nil {
			return fmt.Errorf("sync %s: invalid schedule: %w", a.cfg.Sync.ID, err)
		}
		a.scheduleHandle = sched
	case types.SyncAllImmediate, types.SyncLatestImmediate:
		a.subDone = make(chan struct{})
		go a.forwardEvents(ctx.Self(), a.subCh)
	}

	a.runCycle(ctx)
	return nil
}

func (a *Actor) forwardEvents(self *actor.Address, ch <-chan observation.Event) {
	defer close(a.subDone)
	for ev := range ch {
		if ev.Source != a.cfg.DatasetID || ev.EventKind != "DatasetSnapshot" || ev.Stage.Kind != observation.Succeeded {
			continue
		}
		if self.Tell(datasetEventMessage{event: ev}) != nil {
			return
		}
	}
}

// Stopped cancels any schedule/subscription and awaits the active transfer
// or backup, if any, before exiting.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.scheduleHandle != nil {
		a.scheduleHandle.Stop()
		a.scheduleHandle.Wait()
	}
	if a.cfg.Bus != nil && a.subDone != nil {
		a.cfg.Bus.Unsubscribe(a.subID)
		<-a.subDone
	}
	if a.active != nil {
		if a.active.transferAddr != nil {
			a.active.transferAddr.Stop()
			a.active.transferAddr.Wait()
		}
		if a.active.dedupTask != nil {
			a.active.dedupTask.Abort()
			a.active.dedupTask.Wait()
		}
	}
	return actor.Succeeded
}

// Receive dispatches sync actor messages.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case TickMessage:
		a.onTick(ctx)
	case datasetEventMessage:
		a.onDatasetEvent(ctx, m.event)
	case transfer.TransferComplete:
		a.onTransferComplete(ctx, m.Datetime, m.Err)
	case worker.Complete[dedupResult]:
		if !m.Result.cancelled {
			a.onTransferComplete(ctx, m.Result.datetime, m.Result.err)
		}
	default:
		return nil, fmt.Errorf("sync: unknown message %T", msg)
	}
	return nil, nil
}

func (a *Actor) onTick(ctx *actor.Context) {
	now := time.Now()
	switch a.cfg.Sync.Mode {
	case types.SyncLatestScheduled:
		a.deadlineQueue = append(a.deadlineQueue, now)
	case types.SyncAllScheduled:
		a.scheduleWindow = &now
	}
	if a.active == nil {
		a.runCycle(ctx)
	}
}

func (a *Actor) onDatasetEvent(ctx *actor.Context, ev observation.Event) {
	now := time.Now()
	switch a.cfg.Sync.Mode {
	case types.SyncLatestImmediate:
		if now.Sub(a.lastSent) >= a.cfg.Sync.ImmediateInterval {
			a.deadlineQueue = append(a.deadlineQueue, now)
		}
	case types.SyncAllImmediate:
		// AllImmediate has no queue: every event is just a nudge to check
		// for ready work again.
	}
	if a.active == nil {
		a.runCycle(ctx)
	}
}

func (a *Actor) onTransferComplete(ctx *actor.Context, datetime time.Time, err error) {
	snapshotUUID := types.ID{}
	if a.active != nil {
		snapshotUUID = a.active.snapshotUUID
	}
	a.active = nil

	if err == nil {
		a.lastSent = datetime
		if a.cfg.Store != nil {
			if perr := a.cfg.Store.SaveSyncState(storage.SyncState{
				SyncID:       a.cfg.Sync.ID,
				LastSentUUID: snapshotUUID,
				LastSentAt:   datetime,
			}); perr != nil {
				a.log.Warn().Err(perr).Msg("failed to persist sync progress")
			}
		}
		a.log.Info().Time("snapshot", datetime).Msg("transfer completed")
	} else {
		a.log.Warn().Err(err).Msg("transfer failed")
	}

	a.runCycle(ctx)
}

// findMode resolves the eligibility window for the current mode, popping a
// queued deadline where the mode is queue-driven.
func (a *Actor) findMode() (retention.FindMode, bool) {
	switch a.cfg.Sync.Mode {
	case types.SyncLatestScheduled, types.SyncLatestImmediate:
		if len(a.deadlineQueue) == 0 {
			return retention.FindMode{}, false
		}
		deadline := a.deadlineQueue[0]
		a.deadlineQueue = a.deadlineQueue[1:]
		return retention.FindMode{Kind: retention.LatestBefore, Before: deadline}, true
	case types.SyncAllScheduled:
		if a.scheduleWindow == nil {
			return retention.FindMode{}, false
		}
		return retention.FindMode{Kind: retention.EarliestBefore, Before: *a.scheduleWindow}, true
	case types.SyncAllImmediate:
		return retention.FindMode{Kind: retention.Earliest}, true
	default:
		return retention.FindMode{}, false
	}
}

// runCycle is the per-mode decision cycle: if a send is already active,
// nothing happens (the next TransferComplete drains further work);
// otherwise it computes find_ready/find_parent and kicks off exactly one
// transfer.
func (a *Actor) runCycle(ctx *actor.Context) {
	if a.active != nil {
		return
	}

	mode, ok := a.findMode()
	if !ok {
		return
	}

	datasetAddr, ok := a.cfg.DatasetAddr.Upgrade()
	if !ok {
		a.log.Warn().Msg("dataset actor is gone, skipping cycle")
		return
	}
	containerAddr, ok := a.cfg.ContainerAddr.Upgrade()
	if !ok {
		a.log.Warn().Msg("container actor is gone, skipping cycle")
		return
	}

	dsReply, err := datasetAddr.Call(ctx.Context(), dataset.GetDatasetSnapshotsRequest{})
	if err != nil {
		a.log.Warn().Err(err).Msg("fetching dataset snapshots failed")
		return
	}
	csReply, err := containerAddr.Call(ctx.Context(), container.GetContainerSnapshotsRequest{SourceDatasetID: a.cfg.DatasetID})
	if err != nil {
		a.log.Warn().Err(err).Msg("fetching container snapshots failed")
		return
	}

	dsSnaps := toRetention(dsReply.(dataset.GetDatasetSnapshotsReply).Snapshots)
	csSnaps := toRetentionContainer(csReply.(container.GetContainerSnapshotsReply).Snapshots)

	ready := retention.FindReady(dsSnaps, csSnaps, mode)
	if ready == nil {
		a.log.Debug().Msg("no snapshot ready to send")
		return
	}
	parent := retention.FindParent(*ready, dsSnaps, csSnaps)

	if a.cfg.ContainerKind == types.ContainerLocal {
		a.startLocalTransfer(ctx, datasetAddr, containerAddr, *ready, parent)
	} else {
		a.startDedupBackup(ctx, datasetAddr, containerAddr, *ready)
	}
}

func toRetention(snaps []types.DatasetSnapshot) []retention.Snapshot {
	out := make([]retention.Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = retention.Snapshot{UUID: s.UUID, Datetime: s.Datetime}
	}
	return out
}

func toRetentionContainer(snaps []types.ContainerSnapshot) []retention.Snapshot {
	out := make([]retention.Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = retention.Snapshot{UUID: s.ReceivedUUID, Datetime: s.Datetime}
	}
	return out
}

func (a *Actor) startLocalTransfer(ctx *actor.Context, datasetAddr, containerAddr *actor.Address, ready retention.Snapshot, parent *retention.Snapshot) {
	var parentUUID types.ID
	var parentUUIDPtr *types.ID
	if parent != nil {
		parentUUID = parent.UUID
		parentUUIDPtr = &parent.UUID
	}

	transferAddr := actor.Spawn("transfer", transfer.New(transfer.Config{
		SyncID:          a.cfg.Sync.ID,
		SourceDatasetID: a.cfg.DatasetID,
		SnapshotUUID:    ready.UUID,
		ParentUUID:      parentUUID,
		Datetime:        ready.Datetime,
		ContainerAddr:   containerAddr,
		SyncParent:      ctx.Self(),
		Bus:             a.cfg.Bus,
		Router:          a.cfg.Router,
	}))

	senderReply, senderErr := datasetAddr.Call(ctx.Context(), dataset.GetSnapshotSenderRequest{SendUUID: ready.UUID, ParentUUID: parentUUIDPtr})
	if senderErr != nil {
		_ = transferAddr.Tell(transfer.SenderReady{Err: senderErr})
	} else {
		handle := senderReply.(*dataset.SendHandle)
		_ = transferAddr.Tell(transfer.SenderReady{Stream: handle.Stream})
	}

	receiverReply, receiverErr := containerAddr.Call(ctx.Context(), container.GetSnapshotReceiverRequest{SourceDatasetID: a.cfg.DatasetID})
	if receiverErr != nil {
		_ = transferAddr.Tell(transfer.ReceiverReady{Err: receiverErr})
	} else {
		handle := receiverReply.(*container.ReceiveHandle)
		_ = transferAddr.Tell(transfer.ReceiverReady{Handle: handle})
	}

	a.active = &pendingSend{snapshotUUID: ready.UUID, datetime: ready.Datetime, transferAddr: transferAddr}
}

func (a *Actor) startDedupBackup(ctx *actor.Context, datasetAddr, containerAddr *actor.Address, ready retention.Snapshot) {
	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.DatasetID, "Sync")
	self := ctx.Self()
	baseCtx := ctx.Context()
	task := worker.Spawn(self, func(abort <-chan struct{}) (dedupResult, error) {
		callCtx, cancel := worker.AbortContext(baseCtx, abort)
		defer cancel()

		pathReply, err := datasetAddr.Call(callCtx, dataset.GetSnapshotPathRequest{SnapshotUUID: ready.UUID})
		if err != nil {
			if callCtx.Err() != nil {
				guard.Failed("cancelled")
				return dedupResult{datetime: ready.Datetime, cancelled: true}, nil
			}
			guard.Failed(err.Error())
			return dedupResult{datetime: ready.Datetime, err: fmt.Errorf("resolving snapshot hold: %w", err)}, nil
		}
		_, err = containerAddr.Call(callCtx, container.BackupRequest{
			SourceDatasetID: a.cfg.DatasetID,
			SourceUUID:      ready.UUID,
			Datetime:        ready.Datetime,
			HostPath:        pathReply.(dataset.GetSnapshotPathReply).Path,
		})
		if err != nil && callCtx.Err() != nil {
			guard.Failed("cancelled")
			return dedupResult{datetime: ready.Datetime, cancelled: true}, nil
		}
		guard.Result(err)
		return dedupResult{datetime: ready.Datetime, err: err}, nil
	})
	a.active = &pendingSend{snapshotUUID: ready.UUID, datetime: ready.Datetime, dedupTask: task}
}
