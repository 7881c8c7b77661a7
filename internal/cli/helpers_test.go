package cli

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/peer"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/testutil"
)

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	cmd.SetContext(t.Context())
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// servePeer serves a fresh store over websocket and returns it with its
// sync URL. Replications in the test fail fast instead of waiting out the
// default timeouts.
func servePeer(t *testing.T) (*store.Store, string) {
	t.Helper()
	boundReplication(t)
	s := testutil.OpenStore(t, "passive")
	srv := httptest.NewServer(peer.NewServer(peer.New(s, testutil.Logger())).Handler())
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
}

func tempDB(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

func openDB(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// boundReplication caps connect and request timeouts and disables retries
// through the environment overrides every command reads.
func boundReplication(t *testing.T) {
	t.Helper()
	t.Setenv("DOCSYNC_TIMEOUT_CONNECT", "5s")
	t.Setenv("DOCSYNC_TIMEOUT_REQUEST", "5s")
	t.Setenv("DOCSYNC_RETRY_MAX_ATTEMPTS", "-1")
}
