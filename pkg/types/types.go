// Package types defines the entity model persisted in entities.json: pools,
// datasets, containers, syncs, and observers, plus the snapshot records and
// retention rules each controller actor operates over.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ID is the stable 128-bit identifier assigned to every entity at creation.
type ID = uuid.UUID

// NewID generates a fresh entity id.
func NewID() ID {
	return uuid.New()
}

// ZeroID reports whether id has never been assigned.
func ZeroID(id ID) bool {
	return id == uuid.Nil
}

// ParseID parses a 128-bit id from its canonical string form.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// Pool is a formatted volume group mounted at the top of its subvolume tree.
type Pool struct {
	ID         ID     `json:"id"`
	Name       string `json:"name"`
	VolumeID   ID     `json:"volume_id"`
	DeviceIDs  []ID   `json:"device_ids"`
	MountPoint string `json:"mount_point"`

	Datasets   []Dataset   `json:"datasets"`
	Containers []Container `json:"containers"`

	// ScrubSchedule is a cron expression; empty disables scrubbing.
	ScrubSchedule string `json:"scrub_schedule,omitempty"`
}

// Dataset references a source subvolume inside a pool.
type Dataset struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	SubvolumeUUID ID     `json:"subvolume_uuid"`

	// SnapshotSchedule is a cron expression; snapshotting is enabled iff
	// non-empty and SnapshotPaused is false.
	SnapshotSchedule string `json:"snapshot_schedule,omitempty"`
	SnapshotPaused   bool   `json:"snapshot_paused"`

	// PruneSchedule is a cron expression; pruning is enabled iff Retention is
	// non-nil, RetentionPaused is false, and this is non-empty.
	PruneSchedule string `json:"prune_schedule,omitempty"`

	// Retention is enabled iff non-nil and RetentionPaused is false.
	Retention       *RetentionRuleset `json:"retention,omitempty"`
	RetentionPaused bool              `json:"retention_paused"`
}

// SnapshotDir is the auto-managed snapshot container directory for a dataset,
// relative to the pool's filesystem metadata directory.
func (d Dataset) SnapshotDir() string {
	return "snapshots/" + d.ID.String()
}

// ContainerKind distinguishes a local destination subvolume from an external
// deduplicating repository.
type ContainerKind int

const (
	ContainerLocal ContainerKind = iota
	ContainerExternalDedup
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerLocal:
		return "local"
	case ContainerExternalDedup:
		return "external_dedup"
	default:
		return "unknown"
	}
}

// Container is a destination for synced snapshots. Exactly one of the
// local-specific or dedup-specific fields is meaningful, selected by Kind.
type Container struct {
	ID   ID            `json:"id"`
	Name string        `json:"name"`
	Kind ContainerKind `json:"kind"`

	// Local fields.
	SubvolumeUUID ID `json:"subvolume_uuid,omitempty"`

	// External dedup fields.
	RepositoryURL string            `json:"repository_url,omitempty"`
	Env           map[string]string `json:"env,omitempty"`

	PruneSchedule   string            `json:"prune_schedule,omitempty"`
	RetentionPaused bool              `json:"retention_paused"`
	Retention       *RetentionRuleset `json:"retention,omitempty"`
}

// SyncMode selects the scheduling discipline a sync actor runs under.
type SyncMode int

const (
	SyncLatestScheduled SyncMode = iota
	SyncAllScheduled
	SyncAllImmediate
	SyncLatestImmediate
)

func (m SyncMode) String() string {
	switch m {
	case SyncLatestScheduled:
		return "latest_scheduled"
	case SyncAllScheduled:
		return "all_scheduled"
	case SyncAllImmediate:
		return "all_immediate"
	case SyncLatestImmediate:
		return "latest_immediate"
	default:
		return "unknown"
	}
}

// Sync is a unidirectional relationship from one dataset to one container.
type Sync struct {
	ID          ID       `json:"id"`
	DatasetID   ID       `json:"dataset_id"`
	ContainerID ID       `json:"container_id"`
	Mode        SyncMode `json:"mode"`

	// Schedule drives LatestScheduled and AllScheduled.
	Schedule string `json:"schedule,omitempty"`
	// ImmediateInterval is the minimum spacing between queued sends under
	// LatestImmediate.
	ImmediateInterval time.Duration `json:"immediate_interval,omitempty"`
}

// ObserverMapping routes one (source, event-kind) pair to an endpoint.
type ObserverMapping struct {
	SourceID   ID     `json:"source_id"`
	EventKind  string `json:"event_kind"`
	EndpointID string `json:"endpoint_id"`
}

// HeartbeatSpec configures a periodic liveness ping independent of any
// observed unit of work.
type HeartbeatSpec struct {
	EndpointID string        `json:"endpoint_id"`
	Frequency  time.Duration `json:"frequency"`
}

// Observer is a sink for lifecycle events.
type Observer struct {
	ID        ID                `json:"id"`
	Name      string            `json:"name"`
	BaseURL   string            `json:"base_url,omitempty"`
	Mappings  []ObserverMapping `json:"mappings"`
	Heartbeat *HeartbeatSpec    `json:"heartbeat,omitempty"`
}

// DatasetSnapshot is a read-only copy of a dataset subvolume.
type DatasetSnapshot struct {
	UUID       ID        `json:"uuid"`
	ParentUUID ID        `json:"parent_uuid"`
	Datetime   time.Time `json:"datetime"`
	Path       string    `json:"path"`
}

// ContainerSnapshot is a received snapshot held by a local container.
type ContainerSnapshot struct {
	UUID         ID        `json:"uuid"`
	ParentUUID   ID        `json:"parent_uuid"`
	ReceivedUUID ID        `json:"received_uuid"`
	Datetime     time.Time `json:"datetime"`
	Path         string    `json:"path"`
}

// DedupSnapshot is a snapshot held in an external deduplicating repository,
// paired back to its source dataset snapshot via tags.
type DedupSnapshot struct {
	SourceUUID   ID        `json:"source_uuid"`
	Datetime     time.Time `json:"datetime"`
	RepositoryID string    `json:"repository_id"`
}

// Keep describes how many snapshots a retention bucket retains.
type Keep struct {
	All   bool `json:"all,omitempty"`
	Count int  `json:"count,omitempty"`
}

// KeepAll never drops snapshots within the bucket it's attached to.
func KeepAll() Keep { return Keep{All: true} }

// KeepCount retains the newest n snapshots of the bucket.
func KeepCount(n int) Keep { return Keep{Count: n} }

// RetentionInterval flattens into `Repeat` buckets of width `Duration`,
// each retaining `Keep` snapshots.
type RetentionInterval struct {
	Repeat   int           `json:"repeat"`
	Duration time.Duration `json:"duration"`
	Keep     Keep          `json:"keep"`
}

// RetentionRuleset is the bucketed retention policy evaluated by
// pkg/retention.EvaluateRetention.
type RetentionRuleset struct {
	Intervals   []RetentionInterval `json:"intervals"`
	NewestCount int                 `json:"newest_count"`
}

// Entities is the top-level document persisted to entities.json.
type Entities struct {
	Pools              []Pool      `json:"pools"`
	ExternalContainers []Container `json:"external_containers"`
	Syncs              []Sync      `json:"syncs"`
	Observers          []Observer  `json:"observers"`
}
