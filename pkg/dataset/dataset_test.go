package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/snapshot"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVolume struct {
	listed  []volume.SubvolumeInfo
	created []string
	deleted []string
	fsUUID  types.ID
}

func (f *fakeVolume) QueryFilesystem(ctx context.Context, path string) (volume.FilesystemInfo, error) {
	return volume.FilesystemInfo{UUID: f.fsUUID}, nil
}
func (f *fakeVolume) CreateSnapshot(ctx context.Context, sourcePath, destPath string) error {
	f.created = append(f.created, destPath)
	f.listed = append(f.listed, volume.SubvolumeInfo{UUID: types.NewID(), ParentUUID: types.NewID(), Path: destPath})
	return nil
}
func (f *fakeVolume) ListSubvolumes(ctx context.Context, path string) ([]volume.SubvolumeInfo, error) {
	return f.listed, nil
}
func (f *fakeVolume) DeleteSubvolume(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}
func (f *fakeVolume) Send(ctx context.Context, path, parentPath string) (*volume.SendStream, error) {
	return nil, nil
}
func (f *fakeVolume) Receive(ctx context.Context, targetDir string) (*volume.ReceiveStream, error) {
	return nil, nil
}
func (f *fakeVolume) Scrub(ctx context.Context, path string) error { return nil }
func (f *fakeVolume) Version(ctx context.Context) (string, error)  { return "test", nil }

func newTestActor(t *testing.T, vol *fakeVolume, ds types.Dataset) (*Actor, *actor.Address) {
	t.Helper()
	a := New(Config{Dataset: ds, PoolMountPoint: t.TempDir(), VolumeSystem: vol})
	addr := actor.Spawn("dataset", a)
	t.Cleanup(func() { addr.Stop(); addr.Wait() })
	return a, addr
}

func TestDataset_ListsExistingSnapshotsOnStart(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	vol := &fakeVolume{listed: []volume.SubvolumeInfo{
		{UUID: types.NewID(), Path: "snapshots/d1/" + snapshot.Format(t1)},
	}}
	_, addr := newTestActor(t, vol, types.Dataset{ID: types.NewID(), Name: "home"})

	reply, err := addr.Call(context.Background(), GetDatasetSnapshotsRequest{})
	require.NoError(t, err)
	snaps := reply.(GetDatasetSnapshotsReply).Snapshots
	require.Len(t, snaps, 1)
	assert.True(t, t1.Equal(snaps[0].Datetime))
}

func TestDataset_SnapshotMessageAppendsSnapshot(t *testing.T) {
	vol := &fakeVolume{fsUUID: types.NewID()}
	_, addr := newTestActor(t, vol, types.Dataset{ID: types.NewID(), Name: "home"})

	require.NoError(t, addr.Tell(SnapshotMessage{}))
	require.Eventually(t, func() bool {
		reply, err := addr.Call(context.Background(), GetDatasetSnapshotsRequest{})
		require.NoError(t, err)
		return len(reply.(GetDatasetSnapshotsReply).Snapshots) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, vol.created, 1)
}

func TestDataset_GetSnapshotSender_UnknownParentIsError(t *testing.T) {
	vol := &fakeVolume{}
	_, addr := newTestActor(t, vol, types.Dataset{ID: types.NewID(), Name: "home"})

	missing := types.NewID()
	_, err := addr.Call(context.Background(), GetSnapshotSenderRequest{SendUUID: types.NewID(), ParentUUID: &missing})
	assert.ErrorIs(t, err, types.ErrUnknownSnapshot)
}

func TestDataset_Prune_DeletesDropSet(t *testing.T) {
	newest := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	old := newest.Add(-48 * time.Hour)
	vol := &fakeVolume{listed: []volume.SubvolumeInfo{
		{UUID: types.NewID(), Path: "snapshots/d1/" + snapshot.Format(old)},
		{UUID: types.NewID(), Path: "snapshots/d1/" + snapshot.Format(newest)},
	}}
	ds := types.Dataset{
		ID:   types.NewID(),
		Name: "home",
		Retention: &types.RetentionRuleset{
			NewestCount: 1,
		},
	}
	_, addr := newTestActor(t, vol, ds)

	reply, err := addr.Call(context.Background(), PruneMessage{})
	require.NoError(t, err)
	result := reply.(PruneResult)
	assert.Equal(t, 0, result.Failures)
	assert.Len(t, vol.deleted, 1)
}
