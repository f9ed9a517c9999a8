// Package storage persists the crash-recovery state that entities.json does
// not cover: in-flight sync progress and the container-side rename journal
// used to make a received snapshot's final rename idempotent after a crash.
package storage

import (
	"time"

	"github.com/blockvault/bvault/pkg/types"
)

// SyncState is the durable progress checkpoint for one sync relationship.
// The sync actor saves LastSentUUID and LastSentAt after each successful
// send and reads back only LastSentAt on start, as the reference point for
// LatestImmediate spacing; FindReady/FindParent work from the dataset and
// container snapshot lists, not from this checkpoint. The sync actor never
// writes ActiveSend; on start it clears one found in a stored checkpoint.
type SyncState struct {
	SyncID       types.ID    `json:"sync_id"`
	LastSentUUID types.ID    `json:"last_sent_uuid"`
	LastSentAt   time.Time   `json:"last_sent_at"`
	ActiveSend   *ActiveSend `json:"active_send,omitempty"`
}

// ActiveSend marks a send that has started but not yet been confirmed
// complete by the container side.
type ActiveSend struct {
	SnapshotUUID types.ID  `json:"snapshot_uuid"`
	StartedAt    time.Time `json:"started_at"`
}

// RenameJournalEntry records a received snapshot waiting to be renamed from
// the staged path the receive process materialized it under to its final
// ".bcrcv"-suffixed path. The entry is
// written before the rename is attempted and deleted only after the rename
// succeeds, so a crash between the two leaves a record a container actor
// can replay on startup.
type RenameJournalEntry struct {
	ContainerID  types.ID `json:"container_id"`
	SnapshotUUID types.ID `json:"snapshot_uuid"`
	ReceivePath  string   `json:"receive_path"`
	FinalPath    string   `json:"final_path"`
}

// Store is the persistence boundary for sync and container recovery state.
type Store interface {
	SaveSyncState(state SyncState) error
	LoadSyncState(syncID types.ID) (SyncState, bool, error)
	DeleteSyncState(syncID types.ID) error
	ListSyncStates() ([]SyncState, error)

	SaveJournalEntry(entry RenameJournalEntry) error
	ListJournalEntries(containerID types.ID) ([]RenameJournalEntry, error)
	DeleteJournalEntry(containerID, snapshotUUID types.ID) error

	Close() error
}
