// Package dedup wraps the external JSON-emitting deduplicating backup tool:
// list snapshots, run a backup, tag a snapshot, forget snapshots outside a
// keep set. Unlike pkg/volume's line-oriented tool, this tool speaks JSON on
// stdout, so parsing is encoding/json rather than regex.
package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/blockvault/bvault/pkg/types"
	"github.com/google/uuid"
)

// DefaultBinary is the external tool invoked for every operation.
const DefaultBinary = "dedupbackup"

// TagUUID and TagTimestamp are the tag keys the tool records on every
// snapshot it creates, used to pair a repository entry back to its source.
const (
	TagUUID      = "uuid"
	TagTimestamp = "ts"
)

// Snapshot is one entry in the external repository.
type Snapshot struct {
	RepositoryID string
	SourceUUID   types.ID
	Datetime     time.Time
}

// snapshotRecord is the on-wire JSON shape the tool emits for list/backup.
type snapshotRecord struct {
	ID   string            `json:"id"`
	Tags map[string]string `json:"tags"`
}

func (r snapshotRecord) toSnapshot() (Snapshot, error) {
	snap := Snapshot{RepositoryID: r.ID}
	if raw, ok := r.Tags[TagUUID]; ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("dedup: record %s: bad uuid tag %q: %w", r.ID, raw, err)
		}
		snap.SourceUUID = id
	}
	if raw, ok := r.Tags[TagTimestamp]; ok {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("dedup: record %s: bad ts tag %q: %w", r.ID, raw, err)
		}
		snap.Datetime = ts
	}
	return snap, nil
}

// Repository identifies an external repository connection.
type Repository struct {
	URL string
	Env map[string]string
}

// System is the contract the external dedup container actor depends on.
type System interface {
	ListSnapshots(ctx context.Context, repo Repository) ([]Snapshot, error)
	Backup(ctx context.Context, repo Repository, hostPath string, sourceUUID types.ID, datetime time.Time) (Snapshot, error)
	Forget(ctx context.Context, repo Repository, keepRepositoryIDs []string) error
}

// ExecSystem implements System by shelling out to the external tool with
// repository credentials passed as extra environment bindings.
type ExecSystem struct {
	binary string
}

// NewExecSystem builds an ExecSystem. An empty binary path falls back to
// DefaultBinary.
func NewExecSystem(binary string) *ExecSystem {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecSystem{binary: binary}
}

func (s *ExecSystem) run(ctx context.Context, repo Repository, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("DEDUP_REPOSITORY=%s", repo.URL))
	for k, v := range repo.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dedup: %v: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ListSnapshots lists every snapshot tagged in the repository, ordered
// oldest-first by their ts tag.
func (s *ExecSystem) ListSnapshots(ctx context.Context, repo Repository) ([]Snapshot, error) {
	out, err := s.run(ctx, repo, "snapshots", "--json")
	if err != nil {
		return nil, err
	}
	var records []snapshotRecord
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("dedup: parsing snapshot list: %w", err)
	}
	snaps := make([]Snapshot, 0, len(records))
	for _, r := range records {
		snap, err := r.toSnapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Datetime.Before(snaps[j].Datetime) })
	return snaps, nil
}

// Backup runs a backup of hostPath, tagging the result with the source
// snapshot's uuid and datetime so it can be paired back later.
func (s *ExecSystem) Backup(ctx context.Context, repo Repository, hostPath string, sourceUUID types.ID, datetime time.Time) (Snapshot, error) {
	tag := fmt.Sprintf("%s=%s,%s=%s", TagUUID, sourceUUID.String(), TagTimestamp, datetime.UTC().Format(time.RFC3339))
	out, err := s.run(ctx, repo, "backup", "--json", "--tag", tag, hostPath)
	if err != nil {
		return Snapshot{}, err
	}
	var record snapshotRecord
	if err := json.Unmarshal(out, &record); err != nil {
		return Snapshot{}, fmt.Errorf("dedup: parsing backup result: %w", err)
	}
	return record.toSnapshot()
}

// Forget removes every snapshot in the repository whose id is not in
// keepRepositoryIDs.
func (s *ExecSystem) Forget(ctx context.Context, repo Repository, keepRepositoryIDs []string) error {
	args := []string{"forget"}
	for _, id := range keepRepositoryIDs {
		args = append(args, "--keep", id)
	}
	_, err := s.run(ctx, repo, args...)
	return err
}
