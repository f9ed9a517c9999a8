package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/container"
	"github.com/blockvault/bvault/pkg/types"
	"github.com/blockvault/bvault/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes a tiny shell script standing in for the external volume
// tool, the same trick pkg/volume's own tests use to drive a real
// *volume.SendStream/*volume.ReceiveStream without the real tool installed.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakevol")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

// recordingParent stands in for a sync actor: it just records every
// TransferComplete it receives so a test can assert exactly-once delivery.
type recordingParent struct {
	received chan TransferComplete
}

func newRecordingParent() *recordingParent {
	return &recordingParent{received: make(chan TransferComplete, 4)}
}

func (p *recordingParent) Started(ctx *actor.Context) error { return nil }

func (p *recordingParent) Receive(ctx *actor.Context, msg any) (any, error) {
	if tc, ok := msg.(TransferComplete); ok {
		p.received <- tc
	}
	return nil, nil
}

func (p *recordingParent) Stopped(ctx *actor.Context) actor.TerminalState { return actor.Succeeded }

// receiveScript fakes the external tool's "receive" subcommand only: it
// drains stdin, materializes a directory under the target dir named
// stagedName (standing in for the subvolume the real tool would have
// created), and reports it the way the real tool does. Any other
// subcommand (e.g. the subvolume listing finalize issues afterward)
// gets a throwaway uuid line so it doesn't fail the receive path.
func receiveScript(stagedName string) string {
	return `case "$1" in
receive)
  cat >/dev/null
  mkdir -p "$2/` + stagedName + `"
  echo "At subvol ` + stagedName + `"
  ;;
*)
  echo "uuid: 00000000-0000-0000-0000-000000000000"
  ;;
esac
`
}

func newContainerActor(t *testing.T, volSys volume.System) *actor.Address {
	t.Helper()
	addr := actor.Spawn("container", container.New(container.Config{
		Container:      types.Container{ID: types.NewID(), Name: "backup", Kind: types.ContainerLocal},
		PoolMountPoint: t.TempDir(),
		VolumeSystem:   volSys,
	}))
	t.Cleanup(func() { addr.Stop(); addr.Wait() })
	return addr
}

func TestTransfer_SuccessfulRendezvous_DeliversExactlyOneComplete(t *testing.T) {
	sourceID := types.NewID()
	snapUUID := types.NewID()
	datetime := time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)

	senderSys := volume.NewExecSystem(fakeBinary(t, `printf 'payload-bytes'`))
	sendStream, err := senderSys.Send(context.Background(), "/pool/home/snap", "")
	require.NoError(t, err)

	containerSys := volume.NewExecSystem(fakeBinary(t, receiveScript("staged-1")))
	containerAddr := newContainerActor(t, containerSys)

	recvReply, err := containerAddr.Call(context.Background(), container.GetSnapshotReceiverRequest{SourceDatasetID: sourceID})
	require.NoError(t, err)
	handle := recvReply.(*container.ReceiveHandle)

	parent := newRecordingParent()
	parentAddr := actor.Spawn("sync", parent)
	defer func() { parentAddr.Stop(); parentAddr.Wait() }()

	transferAddr := actor.Spawn("transfer", New(Config{
		SyncID:          types.NewID(),
		SourceDatasetID: sourceID,
		SnapshotUUID:    snapUUID,
		Datetime:        datetime,
		ContainerAddr:   containerAddr,
		SyncParent:      parentAddr,
	}))

	require.NoError(t, transferAddr.Tell(SenderReady{Stream: sendStream}))
	require.NoError(t, transferAddr.Tell(ReceiverReady{Handle: handle}))

	select {
	case tc := <-parent.received:
		assert.NoError(t, tc.Err)
		assert.Equal(t, snapUUID, tc.SnapshotUUID)
		assert.True(t, datetime.Equal(tc.Datetime))
	case <-time.After(5 * time.Second):
		t.Fatal("TransferComplete was never delivered")
	}

	select {
	case extra := <-parent.received:
		t.Fatalf("unexpected second TransferComplete: %+v", extra)
	default:
	}

	transferAddr.Wait()
	assert.Equal(t, actor.Succeeded, transferAddr.Status().Terminal)

	listReply, err := containerAddr.Call(context.Background(), container.GetContainerSnapshotsRequest{SourceDatasetID: sourceID})
	require.NoError(t, err)
	assert.Len(t, listReply.(container.GetContainerSnapshotsReply).Snapshots, 1)
}

func TestTransfer_FailFastWhenOneSideErrorsBeforeBothReady(t *testing.T) {
	parent := newRecordingParent()
	parentAddr := actor.Spawn("sync", parent)
	defer func() { parentAddr.Stop(); parentAddr.Wait() }()

	snapUUID := types.NewID()
	transferAddr := actor.Spawn("transfer", New(Config{
		SyncID:          types.NewID(),
		SourceDatasetID: types.NewID(),
		SnapshotUUID:    snapUUID,
		Datetime:        time.Now(),
		SyncParent:      parentAddr,
	}))

	boom := errors.New("dataset: send failed")
	require.NoError(t, transferAddr.Tell(SenderReady{Err: boom}))

	select {
	case tc := <-parent.received:
		require.Error(t, tc.Err)
		assert.Equal(t, snapUUID, tc.SnapshotUUID)
	case <-time.After(5 * time.Second):
		t.Fatal("TransferComplete was never delivered")
	}

	select {
	case extra := <-parent.received:
		t.Fatalf("unexpected second TransferComplete: %+v", extra)
	default:
	}

	transferAddr.Wait()
	assert.Equal(t, actor.Failed, transferAddr.Status().Terminal)
}

func TestTransfer_CancellationMidPump_SendsNoTransferComplete(t *testing.T) {
	sourceID := types.NewID()

	// A single exec'd process (not a forked shell) so Abort's Kill lands on
	// the real blocking process, not an orphaned child still holding the pipe.
	senderSys := volume.NewExecSystem(fakeBinary(t, `exec sleep 5`))
	sendStream, err := senderSys.Send(context.Background(), "/pool/home/snap", "")
	require.NoError(t, err)

	containerSys := volume.NewExecSystem(fakeBinary(t, receiveScript("staged-2")))
	containerAddr := newContainerActor(t, containerSys)

	recvReply, err := containerAddr.Call(context.Background(), container.GetSnapshotReceiverRequest{SourceDatasetID: sourceID})
	require.NoError(t, err)
	handle := recvReply.(*container.ReceiveHandle)

	parent := newRecordingParent()
	parentAddr := actor.Spawn("sync", parent)
	defer func() { parentAddr.Stop(); parentAddr.Wait() }()

	transferAddr := actor.Spawn("transfer", New(Config{
		SyncID:          types.NewID(),
		SourceDatasetID: sourceID,
		SnapshotUUID:    types.NewID(),
		Datetime:        time.Now(),
		ContainerAddr:   containerAddr,
		SyncParent:      parentAddr,
	}))

	require.NoError(t, transferAddr.Tell(SenderReady{Stream: sendStream}))
	require.NoError(t, transferAddr.Tell(ReceiverReady{Handle: handle}))

	// Both Tells above are already enqueued in the transfer actor's mailbox
	// (Tell only blocks on the send, which completes before Stop runs), so
	// the actor's drain-on-stop guarantee processes them - and reaches
	// phaseTransferring - before Stopped ever runs.
	transferAddr.Stop()
	transferAddr.Wait()

	assert.Equal(t, actor.Cancelled, transferAddr.Status().Terminal)

	select {
	case tc := <-parent.received:
		t.Fatalf("cancellation must not deliver a TransferComplete, got %+v", tc)
	default:
	}
}
