package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/testutil"
)

func TestReplicate_PushAndPullOverWebSocket(t *testing.T) {
	remote, url := servePeer(t)
	testutil.Save(t, remote, "notes", "from-remote", revision.Object{"v": revision.Int(1)})

	db := tempDB(t, "local")
	_, _, err := execute(t, "put", "--db", db, "-C", "notes", "from-local", `{"v":2}`)
	require.NoError(t, err)

	out, _, err := execute(t, "replicate", "--db", db, "--target", url, "-C", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pushed, 1 pulled, 0 failed")
	assert.Contains(t, out, "✓ Caught up")

	pushed := testutil.Leaf(t, remote, "notes", "from-local")
	assert.Equal(t, revision.Object{"v": revision.Int(2)}, pushed.Body)

	local := openDB(t, db)
	pulled, err := local.Leaf(t.Context(), "notes", "from-remote")
	require.NoError(t, err)
	assert.Equal(t, revision.Object{"v": revision.Int(1)}, pulled.Body)
}

func TestReplicate_JSONSummaryAndCheckpoints(t *testing.T) {
	_, url := servePeer(t)
	db := tempDB(t, "local")
	_, _, err := execute(t, "put", "--db", db, "-C", "notes", "A", `{}`)
	require.NoError(t, err)

	out, _, err := execute(t, "--format", "json", "replicate", "--db", db, "--target", url, "-C", "notes", "--direction", "push")
	require.NoError(t, err)
	var resp struct {
		Status string             `json:"status"`
		Data   ReplicationSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "push", resp.Data.Direction)
	assert.Equal(t, 1, resp.Data.Pushed)
	assert.Equal(t, 0, resp.Data.Pulled)

	// The checkpoint is keyed by the same identity the replication used.
	out, _, err = execute(t, "--format", "json", "checkpoint", "show", "--db", db, "--target", url, "-C", "notes", "--direction", "push")
	require.NoError(t, err)
	var shown struct {
		Data []CheckpointInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Data, 1)
	assert.True(t, shown.Data[0].Stored)
	assert.Equal(t, int64(1), shown.Data[0].LocalCursor)

	out, _, err = execute(t, "checkpoint", "reset", "--db", db, "--target", url, "-C", "notes", "--direction", "push")
	require.NoError(t, err)
	assert.Equal(t, "notes: no checkpoint\n", out)

	// A different direction is a different replication.
	out, _, err = execute(t, "checkpoint", "show", "--db", db, "--target", url, "-C", "notes")
	require.NoError(t, err)
	assert.Equal(t, "notes: no checkpoint\n", out)
}

func TestReplicate_FromConfigFile(t *testing.T) {
	remote, url := servePeer(t)
	db := tempDB(t, "local")
	_, _, err := execute(t, "put", "--db", db, "-C", "tasks", "T1", `{"done":false}`)
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "docsync.yaml")
	cfg := "database: " + db + "\ntarget: " + url + "\ncollections: [tasks]\nbatch_size: 10\nretry:\n  max_attempts: -1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	_, _, err = execute(t, "--config", cfgPath, "replicate")
	require.NoError(t, err)

	leaf := testutil.Leaf(t, remote, "tasks", "T1")
	assert.Equal(t, revision.Object{"done": revision.Bool(false)}, leaf.Body)
}

func TestReplicate_CommandErrors(t *testing.T) {
	db := tempDB(t, "local")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no target", []string{"replicate", "--db", db, "-C", "notes"}, "a target is required"},
		{"no collection", []string{"replicate", "--db", db, "--target", "ws://127.0.0.1:1/sync"}, "at least one collection is required"},
		{"bad direction", []string{"replicate", "--db", db, "--target", "ws://127.0.0.1:1/sync", "-C", "notes", "--direction", "both"}, "invalid replication settings"},
		{"bad target scheme", []string{"replicate", "--db", db, "--target", "http://peer/sync", "-C", "notes"}, "invalid replication settings"},
		{"undialable target", []string{"replicate", "--db", db, "--target", "pipe://peer", "-C", "notes"}, "unsupported target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReplicate_UnreachablePeerFails(t *testing.T) {
	boundReplication(t)
	db := tempDB(t, "local")
	cfgPath := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("retry:\n  max_attempts: -1\ntimeouts:\n  connect: 2s\n"), 0o644))

	out, _, err := execute(t, "--config", cfgPath, "replicate", "--db", db, "--target", "ws://127.0.0.1:1/sync", "-C", "notes")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "replication failed")
	assert.Contains(t, out, "✗ TRANSPORT")
}

func TestPending(t *testing.T) {
	_, url := servePeer(t)
	db := tempDB(t, "local")
	for _, id := range []string{"B", "A"} {
		_, _, err := execute(t, "put", "--db", db, "-C", "notes", id, `{}`)
		require.NoError(t, err)
	}

	out, _, err := execute(t, "--format", "json", "pending", "--db", db, "--target", url, "-C", "notes")
	require.NoError(t, err)
	var resp struct {
		Data PendingResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"A", "B"}, resp.Data.Documents["notes"])
	assert.Equal(t, 0, resp.Data.Conflicts)

	_, _, err = execute(t, "replicate", "--db", db, "--target", url, "-C", "notes")
	require.NoError(t, err)

	out, _, err = execute(t, "pending", "--db", db, "--target", url, "-C", "notes")
	require.NoError(t, err)
	assert.Equal(t, "0 documents pending for "+url+", 0 unresolved conflicts\n", out)
}

func TestPending_PullOnly(t *testing.T) {
	db := tempDB(t, "local")
	_, _, err := execute(t, "pending", "--db", db, "--target", "ws://peer/sync", "-C", "notes", "--direction", "pull")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "pull-only")
}
