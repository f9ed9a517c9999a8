package dedup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockvault/bvault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakededup")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestExecSystem_ListSnapshots_OrdersOldestFirst(t *testing.T) {
	u1, u2 := types.NewID(), types.NewID()
	bin := fakeBinary(t, fmt.Sprintf(`cat <<EOF
[
  {"id": "snap-2", "tags": {"uuid": "%s", "ts": "2026-07-31T12:00:00Z"}},
  {"id": "snap-1", "tags": {"uuid": "%s", "ts": "2026-07-30T12:00:00Z"}}
]
EOF`, u1, u2))
	sys := NewExecSystem(bin)

	snaps, err := sys.ListSnapshots(context.Background(), Repository{URL: "repo://test"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "snap-1", snaps[0].RepositoryID)
	assert.Equal(t, u2, snaps[0].SourceUUID)
	assert.Equal(t, "snap-2", snaps[1].RepositoryID)
	assert.True(t, snaps[0].Datetime.Before(snaps[1].Datetime))
}

func TestExecSystem_Backup_ParsesResultAndPassesEnv(t *testing.T) {
	bin := fakeBinary(t, `
if [ "$DEDUP_TOKEN" != "secret" ]; then echo "missing token" >&2; exit 1; fi
echo "{\"id\": \"new-snap\", \"tags\": {}}"
`)
	sys := NewExecSystem(bin)
	repo := Repository{URL: "repo://test", Env: map[string]string{"DEDUP_TOKEN": "secret"}}

	snap, err := sys.Backup(context.Background(), repo, "/mnt/pool/staging", types.NewID(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "new-snap", snap.RepositoryID)
}

func TestExecSystem_Forget_PropagatesFailure(t *testing.T) {
	bin := fakeBinary(t, `echo "repository locked" >&2; exit 1`)
	sys := NewExecSystem(bin)

	err := sys.Forget(context.Background(), Repository{URL: "repo://test"}, []string{"keep-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "repository locked")
}

func TestExecSystem_ListSnapshots_BadTagIsError(t *testing.T) {
	bin := fakeBinary(t, `echo '[{"id": "x", "tags": {"uuid": "not-a-uuid"}}]'`)
	sys := NewExecSystem(bin)

	_, err := sys.ListSnapshots(context.Background(), Repository{URL: "repo://test"})
	assert.Error(t, err)
}
