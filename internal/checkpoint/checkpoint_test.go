package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackendContract runs the behaviour every backend must share.
func testBackendContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	replID := ReplicationID("peer-a", "ws://peer-b/sync", "push_and_pull")
	key := Key(replID, "notes")

	got, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "absent checkpoint loads as nil")

	cp := Checkpoint{
		ReplicationID: replID,
		Collection:    "notes",
		LocalCursor:   7,
		RemoteCursor:  12,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, cp))

	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, int64(7), got.LocalCursor)
	assert.Equal(t, int64(12), got.RemoteCursor)
	assert.True(t, cp.Timestamp.Equal(got.Timestamp))

	cp.LocalCursor = 9
	require.NoError(t, s.Save(ctx, cp))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.LocalCursor, "save replaces the record")

	other, err := s.Load(ctx, Key(replID, "other"))
	require.NoError(t, err)
	assert.Nil(t, other, "collections are keyed separately")

	require.NoError(t, s.Reset(ctx, key))
	got, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Reset(ctx, key), "reset of a missing checkpoint is fine")
}

func TestMemory(t *testing.T) {
	testBackendContract(t, NewMemory())
}

func TestFile(t *testing.T) {
	s, err := NewFile(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	testBackendContract(t, s)
}

func TestFile_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), Checkpoint{ReplicationID: "r", Collection: "c", LocalCursor: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r:c.json", entries[0].Name())
}

func TestSQLite(t *testing.T) {
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer s.Close()
	testBackendContract(t, s)
}

func TestSQLite_SharedDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLite(db)
	require.NoError(t, err)
	testBackendContract(t, s)

	require.NoError(t, s.Close())
	assert.NoError(t, db.Ping(), "shared database stays open")
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer s.Close()
	testBackendContract(t, s)
}

func TestRedis_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), Checkpoint{ReplicationID: "r", Collection: "c"}))
	assert.True(t, mr.Exists("docsync:checkpoint:r:c"))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCSYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	defer s.Close()
	testBackendContract(t, s)
}

func TestOpen_Schemes(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		want    any
		wantErr bool
	}{
		{"memory", "memory://", &Memory{}, false},
		{"file", "file://" + t.TempDir(), &File{}, false},
		{"bare path", t.TempDir(), &File{}, false},
		{"postgres is lazy", "postgres://user@localhost/db", &Postgres{}, false},
		{"unknown", "mongodb://localhost", nil, true},
		{"empty", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestRegister(t *testing.T) {
	mem := NewMemory()
	Register("Custom", func(string) (Store, error) { return mem, nil })

	s, err := Open("custom://anything")
	require.NoError(t, err)
	assert.Same(t, mem, s)
}

func TestReplicationID(t *testing.T) {
	a := ReplicationID("peer-a", "ws://b", "push")
	assert.Equal(t, a, ReplicationID("peer-a", "ws://b", "push"), "stable")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, ReplicationID("peer-a", "ws://b", "pull"))
	assert.NotEqual(t, a, ReplicationID("ws://b", "peer-a", "push"))
}

func TestDecode_RejectsNewerVersion(t *testing.T) {
	_, err := decode([]byte(`{"version": 99, "replication_id": "r"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
