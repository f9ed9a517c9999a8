// Package container implements the two container actor variants: a local
// destination subvolume on the same pool, and an external
// deduplicating repository. Both serve snapshot listings and schedule their
// own pruning; they differ in how a transfer lands bytes on the receiving
// side.
package container

import (
	"fmt"
	"os"
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
	"github.com/blockvault/bvault/pkg/storage"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/rs/zerolog"
)

// GetContainerSnapshotsRequest asks for the ordered snapshot list received
// from one source dataset.
type GetContainerSnapshotsRequest struct {
	SourceDatasetID types.ID
}

// GetContainerSnapshotsReply carries the container's snapshots for one
// source, ordered oldest to newest.
type GetContainerSnapshotsReply struct {
	Snapshots []types.ContainerSnapshot
}

// GetSnapshotReceiverRequest asks the local container to start a receive
// process rooted at its per-source-dataset subdirectory, bootstrapping that
// subdirectory on first use.
type GetSnapshotReceiverRequest struct {
	SourceDatasetID types.ID
}

// ReceiveHandle streams bytes into a newly started receive process. The
// caller must write the full incremental or full send stream, close Stdin,
// then call FinalizeReceiveRequest (on success) or AbortReceiveRequest (on
// cancellation).
type ReceiveHandle struct {
	Stream          *volume.ReceiveStream
	SourceDatasetID types.ID
	TargetDir       string
}

// FinalizeReceiveRequest completes a successful receive: the volume tool
// reported the staged subvolume's final name (parsed from its "At subvol"
// output), and this renames it to its canonical .bcrcv path and records it.
type FinalizeReceiveRequest struct {
	SourceDatasetID types.ID
	SourceUUID      types.ID
	SourceParent    types.ID
	Datetime        time.Time
	StagedName      string
}

// FinalizeReceiveReply carries the recorded snapshot.
type FinalizeReceiveReply struct {
	Snapshot types.ContainerSnapshot
}

// AbortReceiveRequest is sent when a transfer is cancelled after its receive
// has reported StagedName: the freshly-materialized (but unfinalized)
// subvolume at StagedName, if it exists, is deleted. A receive cancelled
// before it reports a name is not followed by this request.
type AbortReceiveRequest struct {
	SourceDatasetID types.ID
	StagedName      string
}

// PruneMessage triggers a retention pass across every source dataset's
// received snapshots.
type PruneMessage struct{}

// Config wires a local container actor to its pool context and
// collaborators.
type Config struct {
	Container      types.Container
	PoolMountPoint string
	VolumeSystem   volume.System
	Store          storage.Store
	Bus            *observation.Bus
	Router         *observation.Router
}

// Actor is the local container actor.
type Actor struct {
	cfg       Config
	log       zerolog.Logger
	snapshots map[types.ID][]types.ContainerSnapshot
	prune     stopper
}

type stopper interface {
	Stop()
	Wait()
}

// New constructs a local container actor ready to Spawn.
func New(cfg Config) *Actor {
	return &Actor{cfg: cfg, snapshots: make(map[types.ID][]types.ContainerSnapshot)}
}

func (a *Actor) containerPath() string {
	return filepath.Join(a.cfg.PoolMountPoint, a.cfg.Container.Name)
}

func (a *Actor) sourceDir(sourceDatasetID types.ID) string {
	return filepath.Join(a.containerPath(), sourceDatasetID.String())
}

// Started replays any pending rename-journal entries, lists every
// source-dataset subdirectory, parses received snapshot file names, and
// installs pruning if enabled.
func (a *Actor) Started(ctx *actor.Context) error {
	a.log = log.WithEntityID(a.cfg.Container.ID.String(), a.cfg.Container.Name)

	if err := a.replayJournal(ctx); err != nil {
		return err
	}

	entries, err := os.ReadDir(a.containerPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("container %s: listing source directories: %w", a.cfg.Container.Name, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sourceID, err := types.ParseID(entry.Name())
		if err != nil {
			continue
		}
		if err := a.loadSource(ctx, sourceID); err != nil {
			return err
		}
	}

	if a.cfg.Container.Retention != nil && !a.cfg.Container.RetentionPaused && a.cfg.Container.PruneSchedule != "" {
		sched, err := schedule.New(a.cfg.Container.PruneSchedule, "container-prune:"+a.cfg.Container.Name, ctx.Self(),
			func() any { return PruneMessage{} })
		if err != nil {
			return fmt.Errorf("container %s: invalid prune schedule: %w", a.cfg.Container.Name, err)
		}
		a.prune = sched
	}
	return nil
}

func (a *Actor) loadSource(ctx *actor.Context, sourceID types.ID) error {
	dir := a.sourceDir(sourceID)
	infos, err := a.cfg.VolumeSystem.ListSubvolumes(ctx.Context(), dir)
	if err != nil {
		return fmt.Errorf("container %s: listing received snapshots for %s: %w", a.cfg.Container.Name, sourceID, err)
	}
	var snaps []types.ContainerSnapshot
	for _, info := range infos {
		t, ok := snapshot.ParseReceived(filepath.Base(info.Path))
		if !ok {
			continue
		}
		snaps = append(snaps, types.ContainerSnapshot{
			UUID:         info.UUID,
			ParentUUID:   info.ParentUUID,
			ReceivedUUID: info.ReceivedUUID,
			Datetime:     t,
			Path:         info.Path,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Datetime.Before(snaps[j].Datetime) })
	a.snapshots[sourceID] = snaps
	return nil
}

// replayJournal finishes any rename that was recorded but not completed
// before a crash: if the staged path still exists, rename it into place;
// otherwise just drop the stale entry. Started runs it before scanning the
// source directories, so a replayed snapshot is picked up by that scan.
func (a *Actor) replayJournal(ctx *actor.Context) error {
	if a.cfg.Store == nil {
		return nil
	}
	entries, err := a.cfg.Store.ListJournalEntries(a.cfg.Container.ID)
	if err != nil {
		return fmt.Errorf("container %s: listing rename journal: %w", a.cfg.Container.Name, err)
	}
	for _, entry := range entries {
		if _, err := os.Stat(entry.ReceivePath); err == nil {
			if err := os.Rename(entry.ReceivePath, entry.FinalPath); err != nil {
				a.log.Warn().Err(err).Msg("replaying rename journal: rename failed, leaving entry for next restart")
				continue
			}
			a.log.Info().Str("path", entry.FinalPath).Msg("replayed pending rename from journal")
		}
		if err := a.cfg.Store.DeleteJournalEntry(a.cfg.Container.ID, entry.SnapshotUUID); err != nil {
			a.log.Warn().Err(err).Msg("failed to clear replayed rename journal entry")
		}
	}
	return nil
}

// Stopped cancels the container's prune schedule.
func (a *Actor) Stopped(ctx *actor.Context) actor.TerminalState {
	if a.prune != nil {
		a.prune.Stop()
		a.prune.Wait()
	}
	return actor.Succeeded
}

// Receive dispatches container operations.
func (a *Actor) Receive(ctx *actor.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case GetContainerSnapshotsRequest:
		return GetContainerSnapshotsReply{Snapshots: append([]types.ContainerSnapshot(nil), a.snapshots[m.SourceDatasetID]...)}, nil
	case GetSnapshotReceiverRequest:
		return a.handleGetReceiver(ctx, m)
	case FinalizeReceiveRequest:
		return a.handleFinalize(ctx, m)
	case AbortReceiveRequest:
		a.handleAbort(ctx, m)
		return nil, nil
	case PruneMessage:
		return a.handlePrune(ctx), nil
	default:
		return nil, fmt.Errorf("container: unknown message %T", msg)
	}
}

func (a *Actor) handleGetReceiver(ctx *actor.Context, req GetSnapshotReceiverRequest) (*ReceiveHandle, error) {
	dir := a.sourceDir(req.SourceDatasetID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("container %s: bootstrapping source directory: %w", a.cfg.Container.Name, err)
	}
	stream, err := a.cfg.VolumeSystem.Receive(ctx.Context(), dir)
	if err != nil {
		return nil, err
	}
	return &ReceiveHandle{Stream: stream, SourceDatasetID: req.SourceDatasetID, TargetDir: dir}, nil
}

func (a *Actor) handleFinalize(ctx *actor.Context, req FinalizeReceiveRequest) (*FinalizeReceiveReply, error) {
	dir := a.sourceDir(req.SourceDatasetID)
	stagedPath := filepath.Join(dir, req.StagedName)
	finalPath := filepath.Join(dir, snapshot.FormatReceived(req.Datetime))

	if a.cfg.Store != nil {
		entry := storage.RenameJournalEntry{
			ContainerID:  a.cfg.Container.ID,
			SnapshotUUID: req.SourceUUID,
			ReceivePath:  stagedPath,
			FinalPath:    finalPath,
		}
		if err := a.cfg.Store.SaveJournalEntry(entry); err != nil {
			return nil, fmt.Errorf("container %s: recording rename journal: %w", a.cfg.Container.Name, err)
		}
	}

	if err := os.Rename(stagedPath, finalPath); err != nil {
		return nil, fmt.Errorf("container %s: renaming received snapshot: %w", a.cfg.Container.Name, err)
	}

	snap := types.ContainerSnapshot{
		ReceivedUUID: req.SourceUUID,
		ParentUUID:   req.SourceParent,
		Datetime:     req.Datetime,
		Path:         finalPath,
	}
	// Resolve the received subvolume's own uuid by re-listing the source
	// directory; the rename doesn't change it. Missing here is not fatal —
	// the pairing key is ReceivedUUID, which the request already carries.
	if infos, err := a.cfg.VolumeSystem.ListSubvolumes(ctx.Context(), dir); err == nil {
		base := filepath.Base(finalPath)
		for _, info := range infos {
			if filepath.Base(info.Path) == base {
				snap.UUID = info.UUID
				break
			}
		}
	}

	a.snapshots[req.SourceDatasetID] = append(a.snapshots[req.SourceDatasetID], snap)
	sort.Slice(a.snapshots[req.SourceDatasetID], func(i, j int) bool {
		return a.snapshots[req.SourceDatasetID][i].Datetime.Before(a.snapshots[req.SourceDatasetID][j].Datetime)
	})

	if a.cfg.Store != nil {
		if err := a.cfg.Store.DeleteJournalEntry(a.cfg.Container.ID, req.SourceUUID); err != nil {
			a.log.Warn().Err(err).Msg("failed to clear rename journal entry after successful rename")
		}
	}

	return &FinalizeReceiveReply{Snapshot: snap}, nil
}

func (a *Actor) handleAbort(ctx *actor.Context, req AbortReceiveRequest) {
	if req.StagedName == "" {
		return
	}
	path := filepath.Join(a.sourceDir(req.SourceDatasetID), req.StagedName)
	if err := a.cfg.VolumeSystem.DeleteSubvolume(ctx.Context(), path); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to delete partial subvolume after cancelled receive")
	}
}

func (a *Actor) handlePrune(ctx *actor.Context) PruneResult {
	if a.cfg.Container.Retention == nil || a.cfg.Container.RetentionPaused {
		return PruneResult{}
	}

	guard := observation.Start(a.cfg.Bus, a.cfg.Router, a.cfg.Container.ID, "Prune")
	defer guard.Drop()

	totalFailures := 0
	for sourceID, snaps := range a.snapshots {
		rs := make([]retention.Snapshot, len(snaps))
		for i, s := range snaps {
			rs[i] = retention.Snapshot{UUID: s.UUID, Datetime: s.Datetime}
		}
		result := retention.EvaluateRetention(rs, *a.cfg.Container.Retention)
		dropSet := make(map[types.ID]bool, len(result.Drop))
		for _, d := range result.Drop {
			dropSet[d.UUID] = true
		}

		kept := make([]types.ContainerSnapshot, 0, len(snaps))
		for _, s := range snaps {
			if !dropSet[s.UUID] {
				kept = append(kept, s)
				continue
			}
			if err := a.cfg.VolumeSystem.DeleteSubvolume(ctx.Context(), s.Path); err != nil {
				totalFailures++
				a.log.Warn().Err(err).Str("snapshot", s.Path).Msg("failed to delete received snapshot during prune")
				kept = append(kept, s)
				continue
			}
			metrics.SnapshotsPrunedTotal.WithLabelValues(a.cfg.Container.ID.String()).Inc()
		}
		a.snapshots[sourceID] = kept
	}

	if totalFailures > 0 {
		metrics.PruneFailuresTotal.WithLabelValues(a.cfg.Container.ID.String()).Add(float64(totalFailures))
		guard.Failed(fmt.Sprintf("%d snapshot deletions failed", totalFailures))
	} else {
		guard.Succeeded()
	}
	return PruneResult{Failures: totalFailures}
}

// PruneResult reports how many deletions failed during a prune pass.
type PruneResult struct {
	Failures int
}
