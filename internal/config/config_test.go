package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/logsink"
	"github.com/roach88/docsync/internal/replicator"
	"github.com/roach88/docsync/internal/testutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func fieldPaths(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
	paths := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		paths[i] = f.Path
	}
	return paths
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/docsync/notes.db
target: ws://peer.example:4984/sync
direction: pull
collections: [notes, tasks]
continuous: true
batch_size: 50
checkpoint_interval: 2s
timeouts:
  connect: 3s
  keep_alive: 1m
retry:
  base: 250ms
  max: 30s
  max_attempts: -1
logging:
  level: info
  domains: [replicator, network]
`)
	f, err := LoadWithEnv(path, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/docsync/notes.db", f.Database)
	assert.Equal(t, "ws://peer.example:4984/sync", f.Target)
	assert.Equal(t, "pull", f.Direction)
	assert.Equal(t, []string{"notes", "tasks"}, f.Collections)
	assert.True(t, f.Continuous)
	assert.Equal(t, 50, f.BatchSize)
	assert.Equal(t, 2*time.Second, f.CheckpointInterval)
	assert.Equal(t, 3*time.Second, f.Timeouts.Connect)
	assert.Equal(t, time.Minute, f.Timeouts.KeepAlive)
	assert.Equal(t, 250*time.Millisecond, f.Retry.Base)
	assert.Equal(t, -1, f.Retry.MaxAttempts)
	assert.Equal(t, []string{"replicator", "network"}, f.Logging.Domains)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "target: ws://a.example/sync\ncollections: [notes]\n")
	f, err := LoadWithEnv(path, map[string]string{
		"DOCSYNC_TARGET":           "wss://b.example/sync",
		"DOCSYNC_COLLECTIONS":      "notes,tasks",
		"DOCSYNC_RETRY_MAX":        "10s",
		"DOCSYNC_LOG_FILE_DIR":     "/tmp/docsync-logs",
		"DOCSYNC_LOG_FILE_LEVEL":   "debug",
		"DOCSYNC_TIMEOUT_RESOLVER": "1s",
	})
	require.NoError(t, err)

	assert.Equal(t, "wss://b.example/sync", f.Target)
	assert.Equal(t, []string{"notes", "tasks"}, f.Collections)
	assert.Equal(t, 10*time.Second, f.Retry.Max)
	assert.Equal(t, time.Second, f.Timeouts.Resolver)
	assert.Equal(t, "/tmp/docsync-logs", f.Logging.File.Directory)
}

func TestLoad_NoFile(t *testing.T) {
	f, err := LoadWithEnv("", map[string]string{"DOCSYNC_DB": "x.db"})
	require.NoError(t, err)
	assert.Equal(t, "x.db", f.Database)
}

func TestLoad_EmptyFile(t *testing.T) {
	f, err := LoadWithEnv(writeConfig(t, "\n"), map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, &File{}, f)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_RejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
	}{
		{"unknown field", "bogus: 1\n", "bogus"},
		{"bad direction", "direction: sideways\n", "direction"},
		{"bad target scheme", "target: http://x\n", "target"},
		{"zero batch size", "batch_size: 0\n", "batch_size"},
		{"retry attempts below -1", "retry:\n  max_attempts: -5\n", "retry.max_attempts"},
		{"bad duration", "timeouts:\n  connect: soon\n", "timeouts.connect"},
		{"empty collection", "collections: ['']\n", "collections.0"},
		{"bad log domain", "logging:\n  domains: [query]\n", "logging.domains.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithEnv(writeConfig(t, tt.body), map[string]string{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, fieldPaths(t, err), tt.path)
		})
	}
}

func TestLoad_ValidatesEnvOverrides(t *testing.T) {
	_, err := LoadWithEnv("", map[string]string{"DOCSYNC_DIRECTION": "both"})
	require.Error(t, err)
	assert.Contains(t, fieldPaths(t, err), "direction")
}

func TestApplyTo(t *testing.T) {
	f := &File{
		Target:             "ws://peer/sync",
		Direction:          "push",
		Collections:        []string{"notes"},
		Continuous:         true,
		BatchSize:          10,
		CheckpointInterval: time.Second,
		Timeouts:           Timeouts{Request: 2 * time.Second},
		Retry:              Retry{Base: time.Second, Max: time.Minute, MaxAttempts: -1},
	}
	cfg := replicator.Config{HistoryLimit: 7, KeepAlive: 9 * time.Second}
	f.ApplyTo(&cfg)

	assert.Equal(t, "ws://peer/sync", cfg.Target)
	assert.Equal(t, replicator.DirectionPush, cfg.Direction)
	assert.Equal(t, []string{"notes"}, cfg.Collections)
	assert.True(t, cfg.Continuous)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 7, cfg.HistoryLimit, "zero values keep what is set")
	assert.Equal(t, 9*time.Second, cfg.KeepAlive)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.CheckpointInterval)
	assert.Equal(t, -1, cfg.MaxRetries)
}

func TestLogConfig(t *testing.T) {
	f := &File{Logging: Logging{
		Level:   "info",
		Domains: []string{"network"},
		File:    FileLog{Directory: "/tmp/logs", Plaintext: true, MaxKeptFiles: 3},
	}}

	cfg, err := f.LogConfig(false)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, cfg.Console.Level)
	assert.Equal(t, logsink.DomainNetwork, cfg.Console.Domains)
	require.NotNil(t, cfg.File)
	assert.Equal(t, slog.LevelInfo, cfg.File.Level)
	assert.True(t, cfg.File.Plaintext)
	assert.Equal(t, 3, cfg.File.MaxKeptFiles)

	cfg, err = f.LogConfig(true)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.Console.Level)
	assert.Equal(t, logsink.DomainAll, cfg.Console.Domains)

	cfg, err = (&File{}).LogConfig(false)
	require.NoError(t, err)
	assert.Equal(t, logsink.DefaultConfig(), cfg)
}

func TestCheckpointStore(t *testing.T) {
	st := testutil.OpenStore(t, "cp")

	cps, err := (&File{}).CheckpointStore(st)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.SQLite{}, cps)

	cps, err = (&File{Checkpoints: "memory://"}).CheckpointStore(st)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.Memory{}, cps)
}
