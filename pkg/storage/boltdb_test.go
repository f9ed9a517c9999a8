package storage

import (
	"testing"
	"time"

	"github.com/blockvault/bvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSyncState_SaveLoadRoundTrips(t *testing.T) {
	store := openTestStore(t)
	syncID := types.NewID()

	_, found, err := store.LoadSyncState(syncID)
	require.NoError(t, err)
	assert.False(t, found)

	state := SyncState{
		SyncID:       syncID,
		LastSentUUID: types.NewID(),
		LastSentAt:   time.Now().Truncate(time.Second),
	}
	require.NoError(t, store.SaveSyncState(state))

	got, found, err := store.LoadSyncState(syncID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.LastSentUUID, got.LastSentUUID)
	assert.True(t, state.LastSentAt.Equal(got.LastSentAt))
}

func TestSyncState_DeleteRemovesIt(t *testing.T) {
	store := openTestStore(t)
	syncID := types.NewID()
	require.NoError(t, store.SaveSyncState(SyncState{SyncID: syncID}))
	require.NoError(t, store.DeleteSyncState(syncID))

	_, found, err := store.LoadSyncState(syncID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSyncState_ListReturnsAll(t *testing.T) {
	store := openTestStore(t)
	a, b := types.NewID(), types.NewID()
	require.NoError(t, store.SaveSyncState(SyncState{SyncID: a}))
	require.NoError(t, store.SaveSyncState(SyncState{SyncID: b}))

	states, err := store.ListSyncStates()
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestJournal_ScopedToContainer(t *testing.T) {
	store := openTestStore(t)
	containerA, containerB := types.NewID(), types.NewID()
	snap := types.NewID()

	require.NoError(t, store.SaveJournalEntry(RenameJournalEntry{
		ContainerID:  containerA,
		SnapshotUUID: snap,
		ReceivePath:  "/pool/containers/a/2026-07-31T00-00-00Z",
		FinalPath:    "/pool/containers/a/2026-07-31T00-00-00Z.bcrcv",
	}))
	require.NoError(t, store.SaveJournalEntry(RenameJournalEntry{
		ContainerID:  containerB,
		SnapshotUUID: types.NewID(),
		ReceivePath:  "/pool/containers/b/x",
		FinalPath:    "/pool/containers/b/x.bcrcv",
	}))

	entries, err := store.ListJournalEntries(containerA)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, snap, entries[0].SnapshotUUID)

	require.NoError(t, store.DeleteJournalEntry(containerA, snap))
	entries, err = store.ListJournalEntries(containerA)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
