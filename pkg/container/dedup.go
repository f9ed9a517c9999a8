package container

import (
	"fmt"
	"sort"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/dedup"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/metrics"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/retention"
	"github.com/blockvault/bvault/pkg/schedule"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/rs/zerolog"
)

// BackupRequest asks the external-dedup container to back up the already
// locally-materialized snapshot at HostPath, tagging it so it can be paired
// back to its source later. HostPath is the dataset's own snapshot path,
// already read-only and locally reachable, so no separate bind-mount
// staging step is needed.
type BackupRequest struct {
	SourceDatasetID types.ID
	SourceUUID      types.ID
	Datetime        time.Time
	HostPath        string
}

// BackupReply carries the recorded repository snapshot.
type BackupReply struct {
	Snapshot types.DedupSnapshot
}

// DedupConfig wires an external-dedup container actor to its collaborators.
type DedupConfig struct {
	Container types.Container
	System    dedup.System
	Bus       *observation.Bus
	Router    *observation.Router
}

// DedupActor is the external deduplicating-repository container actor.
type DedupActor struct {
	cfg       DedupConfig
	log       zerolog.Logger
	snapshots map[types.ID][]types.DedupSnapshot
	prune     stopper
}

// NewDedup constructs an external-dedup container actor ready to Spawn.
func NewDedup(cfg DedupConfig) *DedupActor {
	return &DedupActor{cfg: cfg, snapshots: make(map[types.ID][]types.DedupSnapshot)}
}

func (a *DedupActor) repo() dedup.Repository {
	return dedup.Repository{URL: a.cfg.Container.RepositoryURL, Env: a.cfg.Container.Env}
}

// Started lists the repository's existing snapshots and installs pruning if
// enabled. The tool has no notion of "source dataset", so the snapshots are
// kept as one flat list: GetContainerSnapshotsRequest returns that whole
// list whatever SourceDatasetID it names, and does not filter by source.
func (a *DedupActor) Started(ctx *actor.Context) error {
	a.log = log.WithEntityID(a.cfg.Container.ID.String(), a.cfg.Container.Name)

	snaps, err := a.cfg.System.ListSnapshots(ctx.Context(), a.repo())
	if err != nil {
		return fmt.Errorf("dedup container %s: listing repository snapshots: %w", a.cfg.Container.Name, err)
	}
	a.snapshots[types.ID{}] = toDedup(snaps)

	if a.cfg.Container.Retention != nil && !a.cfg.Container.RetentionPaused && a.cfg.Container.PruneSchedule != "" {
		sched, err := schedule.New(a.cfg.Container.PruneSchedule, "dedup-prune:"+a.cfg.Container.Name, ctx.Self(),
			func() any { return PruneMessage{} })
		if err != nil {
			return fmt.Errorf("dedup container %s: invalid prune schedule: %w", a.cfg.Container.Name, err)
		}
		a.prune = sched
	}
	return nil
}

func toDedup(snaps []dedup.Snapshot) []types.DedupSnapshot {
	out := make([]types.DedupSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = types.DedupSnapshot{SourceUUID: s.SourceUUID, Datetime: s.Datetime, RepositoryID: s.RepositoryID}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Datetime.Before(out[j].Datetime) })
	return out
}

// Stopped cancels the dedup container's prune schedule.
func (a *DedupActor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.prune != nil {
		a.prune.Stop()
		a.prune.Wait()
	}
	return actor.Succeeded
}

// Receive dispatches external-dedup container operations.
func (a *DedupActor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case GetContainerSnapshotsRequest:
		return GetContainerSnapshotsReply{Snapshots: a.asContainerSnapshots()}, nil
	case BackupRequest:
		return a.handleBackup(ctx, m)
	case PruneMessage:
		return a.handlePrune(ctx), nil
	default:
		return nil, fmt.Errorf("dedup container: unknown message %T", msg)
	}
}

// asContainerSnapshots projects the flat repository list into the shared
// types.ContainerSnapshot shape the retention helpers operate over, keying
// ReceivedUUID to SourceUUID, the field that pairs a received snapshot
// back to its source.
func (a *DedupActor) asContainerSnapshots() []types.ContainerSnapshot {
	flat := a.snapshots[types.ID{}]
	out := make([]types.ContainerSnapshot, len(flat))
	for i, s := range flat {
		out[i] = types.ContainerSnapshot{ReceivedUUID: s.SourceUUID, Datetime: s.Datetime}
	}
	return out
}

func (a *DedupActor) handleBackup(ctx *actor.Context, req BackupRequest) (*BackupReply, error) {
	snap, err := a.cfg.System.Backup(ctx.Context(), a.repo(), req.HostPath, req.SourceUUID, req.Datetime)
	if err != nil {
		return nil, err
	}
	rec := types.DedupSnapshot{SourceUUID: snap.SourceUUID, Datetime: snap.Datetime, RepositoryID: snap.RepositoryID}
	a.snapshots[types.ID{}] = append(a.snapshots[types.ID{}], rec)
	sort.Slice(a.snapshots[types.ID{}], func(i, j int) bool {
		return a.snapshots[types.ID{}][i].Datetime.Before(a.snapshots[types.ID{}][j].Datetime)
	})
	return &BackupReply{Snapshot: rec}, nil
}

// handlePrune evaluates retention over the repository's snapshot list and
// asks the tool to forget everything outside the keep set.
func (a *DedupActor) handlePrune(ctx *actor.Context) PruneResult {
	if a.cfg.Container.Retention == nil || a.cfg.Container.RetentionPaused {
		return PruneResult{}
	}

	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.Container.ID, "Prune")
	defer guard.Drop()

	flat := a.snapshots[types.ID{}]
	rs := make([]retention.Snapshot, len(flat))
	byUUID := make(map[types.ID]string, len(flat))
	for i, s := range flat {
		rs[i] = retention.Snapshot{UUID: s.SourceUUID, Datetime: s.Datetime}
		byUUID[s.SourceUUID] = s.RepositoryID
	}
	result := retention.EvaluateRetention(rs, *a.cfg.Container.Retention)
	dropSet := make(map[types.ID]bool, len(result.Drop))
	for _, d := range result.Drop {
		dropSet[d.UUID] = true
	}

	var keepIDs []string
	var kept []types.DedupSnapshot
	for _, s := range flat {
		if dropSet[s.SourceUUID] {
			continue
		}
		keepIDs = append(keepIDs, s.RepositoryID)
		kept = append(kept, s)
	}

	if len(dropSet) == 0 {
		guard.Succeeded()
		return PruneResult{}
	}

	if err := a.cfg.System.Forget(ctx.Context(), a.repo(), keepIDs); err != nil {
		guard.Failed(err.Error())
		a.log.Warn().Err(err).Msg("dedup retention forget failed")
		return PruneResult{Failures: len(dropSet)}
	}

	a.snapshots[types.ID{}] = kept
	metrics.SnapshotsPrunedTotal.WithLabelValues(a.cfg.Container.ID.String()).Add(float64(len(dropSet)))
	guard.Succeeded()
	return PruneResult{}
}
