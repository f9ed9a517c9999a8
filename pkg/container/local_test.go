package container

import (
	"context"
	"os"
	"path/filepath"
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
	deleted []string
	fsUUID  types.ID
}

func (f *fakeVolume) QueryFilesystem(ctx context.Context, path string) (volume.FilesystemInfo, error) {
	return volume.FilesystemInfo{UUID: f.fsUUID}, nil
}
func (f *fakeVolume) CreateSnapshot(ctx context.Context, sourcePath, destPath string) error { return nil }
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
func (f *fakeVolume) Version(ctx context.Context) (string, error) { return "test", nil }

func newLocalActor(t *testing.T, vol volume.System, mountPoint string, c types.Container) *actor.Address {
	t.Helper()
	addr := actor.Spawn("container", New(Config{Container: c, PoolMountPoint: mountPoint, VolumeSystem: vol}))
	t.Cleanup(func() { addr.Stop(); addr.Wait() })
	return addr
}

func TestLocal_FinalizeReceiveRecordsSnapshot(t *testing.T) {
	vol := &fakeVolume{fsUUID: types.NewID()}
	sourceID := types.NewID()
	addr := newLocalActor(t, vol, t.TempDir(), types.Container{ID: types.NewID(), Name: "backup", Kind: types.ContainerLocal})

	recvReply, err := addr.Call(context.Background(), GetSnapshotReceiverRequest{SourceDatasetID: sourceID})
	require.NoError(t, err)
	handle := recvReply.(*ReceiveHandle)
	assert.Equal(t, sourceID, handle.SourceDatasetID)

	datetime := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	stagedName := "staged-uuid"
	require.NoError(t, os.WriteFile(filepath.Join(handle.TargetDir, stagedName), []byte("x"), 0644))

	finReply, err := addr.Call(context.Background(), FinalizeReceiveRequest{
		SourceDatasetID: sourceID,
		SourceUUID:      types.NewID(),
		Datetime:        datetime,
		StagedName:      stagedName,
	})
	require.NoError(t, err)
	assert.True(t, datetime.Equal(finReply.(*FinalizeReceiveReply).Snapshot.Datetime))

	list, err := addr.Call(context.Background(), GetContainerSnapshotsRequest{SourceDatasetID: sourceID})
	require.NoError(t, err)
	assert.Len(t, list.(GetContainerSnapshotsReply).Snapshots, 1)
}

func TestLocal_Prune_DeletesDropSet(t *testing.T) {
	newest := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	old := newest.Add(-48 * time.Hour)
	sourceID := types.NewID()

	mountPoint := t.TempDir()
	c := types.Container{
		ID:   types.NewID(),
		Name: "backup",
		Kind: types.ContainerLocal,
		Retention: &types.RetentionRuleset{
			NewestCount: 1,
		},
	}
	sourceDir := filepath.Join(mountPoint, c.Name, sourceID.String())
	require.NoError(t, os.MkdirAll(sourceDir, 0755))

	vol := &fakeVolume{listed: []volume.SubvolumeInfo{
		{UUID: types.NewID(), Path: filepath.Join(sourceDir, snapshot.FormatReceived(old))},
		{UUID: types.NewID(), Path: filepath.Join(sourceDir, snapshot.FormatReceived(newest))},
	}}
	addr := newLocalActor(t, vol, mountPoint, c)

	reply, err := addr.Call(context.Background(), PruneMessage{})
	require.NoError(t, err)
	assert.Equal(t, 0, reply.(PruneResult).Failures)
	assert.Len(t, vol.deleted, 1)
}
