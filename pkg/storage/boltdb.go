package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/blockvault/bvault/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSyncState = []byte("sync_state")
	bucketJournal   = []byte("rename_journal")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the recovery database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bvault.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSyncState, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveSyncState upserts a sync's progress checkpoint.
func (s *BoltStore) SaveSyncState(state SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.SyncID.String()), data)
	})
}

// LoadSyncState returns a sync's checkpoint, or ok=false if none exists yet.
func (s *BoltStore) LoadSyncState(syncID types.ID) (SyncState, bool, error) {
	var state SyncState
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		data := b.Get([]byte(syncID.String()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	return state, found, err
}

// DeleteSyncState removes a sync's checkpoint, e.g. when the sync is deleted.
func (s *BoltStore) DeleteSyncState(syncID types.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		return b.Delete([]byte(syncID.String()))
	})
}

// ListSyncStates returns every persisted checkpoint.
func (s *BoltStore) ListSyncStates() ([]SyncState, error) {
	var states []SyncState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncState)
		return b.ForEach(func(k, v []byte) error {
			var state SyncState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, state)
			return nil
		})
	})
	return states, err
}

func journalKey(containerID, snapshotUUID types.ID) []byte {
	return []byte(containerID.String() + "/" + snapshotUUID.String())
}

// SaveJournalEntry records a pending rename. Must be called before the
// rename is attempted.
func (s *BoltStore) SaveJournalEntry(entry RenameJournalEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(journalKey(entry.ContainerID, entry.SnapshotUUID), data)
	})
}

// ListJournalEntries returns every pending rename for a container, replayed
// by the container actor on startup.
func (s *BoltStore) ListJournalEntries(containerID types.ID) ([]RenameJournalEntry, error) {
	prefix := []byte(containerID.String() + "/")
	var entries []RenameJournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry RenameJournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// DeleteJournalEntry clears a pending rename once the rename has succeeded.
func (s *BoltStore) DeleteJournalEntry(containerID, snapshotUUID types.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		return b.Delete(journalKey(containerID, snapshotUUID))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
