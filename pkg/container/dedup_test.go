package container

import (
	"context"
	"testing"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/dedup"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDedup struct {
	listed   []dedup.Snapshot
	backedUp []string
	forgot   []string
}

func (f *fakeDedup) ListSnapshots(ctx context.Context, repo dedup.Repository) ([]dedup.Snapshot, error) {
	return f.listed, nil
}

func (f *fakeDedup) Backup(ctx context.Context, repo dedup.Repository, hostPath string, sourceUUID types.ID, datetime time.Time) (dedup.Snapshot, error) {
	f.backedUp = append(f.backedUp, hostPath)
	snap := dedup.Snapshot{RepositoryID: "repo-" + sourceUUID.String(), SourceUUID: sourceUUID, Datetime: datetime}
	f.listed = append(f.listed, snap)
	return snap, nil
}

func (f *fakeDedup) Forget(ctx context.Context, repo dedup.Repository, keepRepositoryIDs []string) error {
	f.forgot = keepRepositoryIDs
	return nil
}

func newDedupActor(t *testing.T, sys dedup.System, c types.Container) *actor.Address {
	t.Helper()
	addr := actor.Spawn("container", NewDedup(DedupConfig{Container: c, System: sys}))
	t.Cleanup(func() { addr.Stop(); addr.Wait() })
	return addr
}

func TestDedup_BackupAppendsSnapshot(t *testing.T) {
	sys := &fakeDedup{}
	addr := newDedupActor(t, sys, types.Container{ID: types.NewID(), Name: "offsite", Kind: types.ContainerExternalDedup})

	sourceID := types.NewID()
	when := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	reply, err := addr.Call(context.Background(), BackupRequest{
		SourceDatasetID: types.NewID(),
		SourceUUID:      sourceID,
		Datetime:        when,
		HostPath:        "/mnt/pool/snapshots/d1/2026-07-31T12-00-00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, sourceID, reply.(*BackupReply).Snapshot.SourceUUID)
	assert.Len(t, sys.backedUp, 1)

	list, err := addr.Call(context.Background(), GetContainerSnapshotsRequest{})
	require.NoError(t, err)
	assert.Len(t, list.(GetContainerSnapshotsReply).Snapshots, 1)
}

func TestDedup_PruneForgetsOutsideKeepSet(t *testing.T) {
	newest := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	old := newest.Add(-72 * time.Hour)
	sys := &fakeDedup{listed: []dedup.Snapshot{
		{RepositoryID: "r-old", SourceUUID: types.NewID(), Datetime: old},
		{RepositoryID: "r-new", SourceUUID: types.NewID(), Datetime: newest},
	}}
	c := types.Container{
		ID:   types.NewID(),
		Name: "offsite",
		Kind: types.ContainerExternalDedup,
		Retention: &types.RetentionRuleset{
			NewestCount: 1,
		},
	}
	addr := newDedupActor(t, sys, c)

	reply, err := addr.Call(context.Background(), PruneMessage{})
	require.NoError(t, err)
	assert.Equal(t, 0, reply.(PruneResult).Failures)
	assert.Equal(t, []string{"r-new"}, sys.forgot)
}
