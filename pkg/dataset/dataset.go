// Package dataset implements the dataset actor: owns a source
// subvolume, schedules snapshot creation and local pruning, and serves
// snapshot listings and send-stream handles to the sync/transfer machinery.
package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/metrics"
	"github.com/blockvault/bvault/pkg/observation"
	"github.com/blockvault/bvault/pkg/retention"
	"github.com/blockvault/bvault/pkg/schedule"
	"github.com/blockvault/bvault/pkg/snapshot"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/rs/zerolog"
)

// SnapshotMessage triggers creation of a new local snapshot.
type SnapshotMessage struct{}

// PruneMessage triggers a retention pass over the current snapshot list.
type PruneMessage struct{}

// GetDatasetSnapshotsRequest asks for the ordered snapshot list.
type GetDatasetSnapshotsRequest struct{}

// GetDatasetSnapshotsReply carries the dataset's snapshots ordered oldest
// to newest.
type GetDatasetSnapshotsReply struct {
	Snapshots []types.DatasetSnapshot
}

// GetSnapshotSenderRequest asks for a handle that streams an incremental
// (if ParentUUID set) or full send of SendUUID.
type GetSnapshotSenderRequest struct {
	SendUUID   types.ID
	ParentUUID *types.ID
}

// GetSnapshotPathRequest asks for the host filesystem path of an existing
// local snapshot — the external-dedup container's "hold": a read-only path
// it can hand to the external backup tool directly, since a dataset
// snapshot is already materialized read-only under the pool mountpoint and
// needs no separate bind-mount staging step.
type GetSnapshotPathRequest struct {
	SnapshotUUID types.ID
}

// GetSnapshotPathReply carries the snapshot's host path.
type GetSnapshotPathReply struct {
	Path string
}

// SendHandle streams one dataset snapshot to a receiving container.
type SendHandle struct {
	Stream *volume.SendStream
}

// PruneResult reports how many deletions failed during a prune pass.
type PruneResult struct {
	Failures int
}

// Config wires a dataset actor to its pool context and collaborators.
type Config struct {
	Dataset        types.Dataset
	PoolMountPoint string
	VolumeSystem   volume.System
	Bus            *observation.Bus
	Router         *observation.Router
}

// Actor is the dataset actor.
type Actor struct {
	cfg       Config
	log       zerolog.Logger
	snapshots []types.DatasetSnapshot
	schedule  *scheduleHandles
}

// New constructs a dataset actor ready to Spawn.
func New(cfg Config) *Actor {
	return &Actor{cfg: cfg}
}

type scheduleHandles struct {
	snapshot stopper
	prune    stopper
}

type stopper interface {
	Stop()
	Wait()
}

func (a *Actor) snapshotDir() string {
	return filepath.Join(a.cfg.PoolMountPoint, ".blkcapt", a.cfg.Dataset.SnapshotDir())
}

func (a *Actor) sourcePath() string {
	return filepath.Join(a.cfg.PoolMountPoint, a.cfg.Dataset.Name)
}

// Started lists existing snapshots and installs schedules.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithEntityID(a.cfg.Dataset.ID.String(), a.cfg.Dataset.Name)

	infos, err := a.cfg.VolumeSystem.ListSubvolumes(ctx.Context(), a.snapshotDir())
	if err != nil {
		return fmt.Errorf("dataset %s: listing snapshots: %w", a.cfg.Dataset.Name, err)
	}
	for _, info := range infos {
		t, err := snapshot.Parse(filepath.Base(info.Path))
		if err != nil {
			continue
		}
		a.snapshots = append(a.snapshots, types.DatasetSnapshot{
			UUID:       info.UUID,
			ParentUUID: info.ParentUUID,
			Datetime:   t,
			Path:       info.Path,
		})
	}
	sort.Slice(a.snapshots, func(i, j int) bool { return a.snapshots[i].Datetime.Before(a.snapshots[j].Datetime) })

	a.schedule = &scheduleHandles{}
	if a.cfg.Dataset.SnapshotSchedule != "" && !a.cfg.Dataset.SnapshotPaused {
		sched, err := schedule.New(a.cfg.Dataset.SnapshotSchedule, "dataset-snapshot:"+a.cfg.Dataset.Name, ctx.Self(),
			func() any { return SnapshotMessage{} })
		if err != nil {
			return fmt.Errorf("dataset %s: invalid snapshot schedule: %w", a.cfg.Dataset.Name, err)
		}
		a.schedule.snapshot = sched
	}
	if a.cfg.Dataset.Retention != nil && !a.cfg.Dataset.RetentionPaused && a.cfg.Dataset.PruneSchedule != "" {
		sched, err := schedule.New(a.cfg.Dataset.PruneSchedule, "dataset-prune:"+a.cfg.Dataset.Name, ctx.Self(),
			func() any { return PruneMessage{} })
		if err != nil {
			return fmt.Errorf("dataset %s: invalid prune schedule: %w", a.cfg.Dataset.Name, err)
		}
		a.schedule.prune = sched
	}
	return nil
}

// Stopped cancels the dataset's schedules.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.schedule != nil {
		if a.schedule.snapshot != nil {
			a.schedule.snapshot.Stop()
			a.schedule.snapshot.Wait()
		}
		if a.schedule.prune != nil {
			a.schedule.prune.Stop()
			a.schedule.prune.Wait()
		}
	}
	return actor.Succeeded
}

// Receive dispatches dataset operations.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case SnapshotMessage:
		a.handleSnapshot(ctx)
		return nil, nil
	case PruneMessage:
		return a.handlePrune(ctx), nil
	case GetDatasetSnapshotsRequest:
		return GetDatasetSnapshotsReply{Snapshots: append([]types.DatasetSnapshot(nil), a.snapshots...)}, nil
	case GetSnapshotSenderRequest:
		return a.handleGetSender(ctx, m)
	case GetSnapshotPathRequest:
		path := a.pathFor(m.SnapshotUUID)
		if path == "" {
			return nil, types.ErrUnknownSnapshot
		}
		return GetSnapshotPathReply{Path: path}, nil
	default:
		return nil, fmt.Errorf("dataset: unknown message %T", msg)
	}
}

func (a *Actor) handleSnapshot(ctx *actor.Context) {
	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.Dataset.ID, "DatasetSnapshot")
	defer guard.Drop()

	timer := metrics.NewTimer()
	snap, err := a.createLocalSnapshot(ctx.Context())
	timer.ObserveDurationVec(metrics.SnapshotCreateDuration, a.cfg.Dataset.ID.String())
	if err != nil {
		guard.Failed(err.Error())
		a.log.Warn().Err(err).Msg("snapshot creation failed")
		return
	}
	a.snapshots = append(a.snapshots, snap)
	metrics.SnapshotsCreatedTotal.WithLabelValues(a.cfg.Dataset.ID.String()).Inc()
	guard.Succeeded()
}

func (a *Actor) createLocalSnapshot(ctx context.Context) (types.DatasetSnapshot, error) {
	now := time.Now().UTC().Truncate(time.Second)
	label := snapshot.Format(now)
	destPath := filepath.Join(a.snapshotDir(), label)

	if err := a.cfg.VolumeSystem.CreateSnapshot(ctx, a.sourcePath(), destPath); err != nil {
		return types.DatasetSnapshot{}, err
	}

	// The create operation doesn't report the new subvolume's identity, so
	// re-list the snapshot directory and match the label.
	infos, err := a.cfg.VolumeSystem.ListSubvolumes(ctx, a.snapshotDir())
	if err != nil {
		return types.DatasetSnapshot{}, fmt.Errorf("listing new snapshot: %w", err)
	}
	for _, info := range infos {
		if filepath.Base(info.Path) != label {
			continue
		}
		return types.DatasetSnapshot{
			UUID:       info.UUID,
			ParentUUID: info.ParentUUID,
			Datetime:   now,
			Path:       destPath,
		}, nil
	}
	return types.DatasetSnapshot{}, fmt.Errorf("snapshot %s created but missing from subvolume listing", label)
}

func (a *Actor) handlePrune(ctx *actor.Context) PruneResult {
	if a.cfg.Dataset.Retention == nil || a.cfg.Dataset.RetentionPaused {
		return PruneResult{}
	}

	snaps := make([]retention.Snapshot, len(a.snapshots))
	for i, s := range a.snapshots {
		snaps[i] = retention.Snapshot{UUID: s.UUID, Datetime: s.Datetime}
	}

	result := retention.EvaluateRetention(snaps, *a.cfg.Dataset.Retention)

	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.Dataset.ID, "Prune")
	defer guard.Drop()

	timer := metrics.NewTimer()
	failures := 0
	kept := make([]types.DatasetSnapshot, 0, len(a.snapshots))
	dropSet := make(map[types.ID]bool, len(result.Drop))
	for _, d := range result.Drop {
		dropSet[d.UUID] = true
	}
	for _, s := range a.snapshots {
		if !dropSet[s.UUID] {
			kept = append(kept, s)
			continue
		}
		if err := a.cfg.VolumeSystem.DeleteSubvolume(ctx.Context(), s.Path); err != nil {
			failures++
			a.log.Warn().Err(err).Str("snapshot", s.Path).Msg("failed to delete snapshot during prune")
			kept = append(kept, s)
			continue
		}
		metrics.SnapshotsPrunedTotal.WithLabelValues(a.cfg.Dataset.ID.String()).Inc()
	}
	a.snapshots = kept
	timer.ObserveDurationVec(metrics.PruneDuration, a.cfg.Dataset.ID.String())

	if failures > 0 {
		metrics.PruneFailuresTotal.WithLabelValues(a.cfg.Dataset.ID.String()).Add(float64(failures))
		guard.Failed(fmt.Sprintf("%d snapshot deletions failed", failures))
	} else {
		guard.Succeeded()
	}
	return PruneResult{Failures: failures}
}

func (a *Actor) handleGetSender(ctx *actor.Context, req GetSnapshotSenderRequest) (*SendHandle, error) {
	var parentPath string
	if req.ParentUUID != nil {
		parentPath = a.pathFor(*req.ParentUUID)
		if parentPath == "" {
			return nil, types.ErrUnknownSnapshot
		}
	}
	sendPath := a.pathFor(req.SendUUID)
	if sendPath == "" {
		return nil, types.ErrUnknownSnapshot
	}

	stream, err := a.cfg.VolumeSystem.Send(ctx.Context(), sendPath, parentPath)
	if err != nil {
		return nil, err
	}
	return &SendHandle{Stream: stream}, nil
}

func (a *Actor) pathFor(uuid types.ID) string {
	for _, s := range a.snapshots {
		if s.UUID == uuid {
			return s.Path
		}
	}
	return ""
}
