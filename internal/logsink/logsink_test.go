package logsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *collector) add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *collector) all() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func TestCustomSink_FiltersByLevelAndDomain(t *testing.T) {
	t.Cleanup(Reset)
	var c collector
	require.NoError(t, Configure(Config{Custom: &CustomSink{
		Level:    slog.LevelInfo,
		Domains:  DomainReplicator | DomainNetwork,
		Callback: c.add,
	}}))

	Logger(DomainReplicator).Debug("too quiet")
	Logger(DomainReplicator).Info("replicator starting", "collections", 2)
	Logger(DomainDatabase).Error("not in the mask")
	Logger(DomainNetwork).Warn("connect failed")

	entries := c.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "replicator starting", entries[0].Message)
	assert.Equal(t, DomainReplicator, entries[0].Domain)
	assert.Equal(t, int64(2), entries[0].Attrs["collections"])
	assert.Equal(t, DomainNetwork, entries[1].Domain)
	assert.Equal(t, slog.LevelWarn, entries[1].Level)
}

func TestCustomSink_KeepsWithAttrsAndGroups(t *testing.T) {
	t.Cleanup(Reset)
	var c collector
	require.NoError(t, Configure(Config{Custom: &CustomSink{Level: slog.LevelDebug, Domains: DomainAll, Callback: c.add}}))

	logger := Logger(DomainReplicator).With("replication", "abc").WithGroup("batch")
	logger.Info("applied", "size", 3)

	entries := c.all()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{"replication": "abc", "batch.size": int64(3)}, entries[0].Attrs)
}

func TestConfigure_AppliesToExistingLoggers(t *testing.T) {
	t.Cleanup(Reset)
	logger := Logger(DomainListener)

	var c collector
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo), "default console sink starts at warning")
	require.NoError(t, Configure(Config{Custom: &CustomSink{Level: slog.LevelInfo, Domains: DomainAll, Callback: c.add}}))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))

	logger.Info("peer connected")
	assert.Len(t, c.all(), 1)

	Reset()
	logger.Info("after reset")
	assert.Len(t, c.all(), 1)
}

func TestConsoleSink_WritesText(t *testing.T) {
	t.Cleanup(Reset)
	var buf bytes.Buffer
	require.NoError(t, Configure(Config{Console: &ConsoleSink{Level: slog.LevelInfo, Domains: DomainDatabase, Writer: &buf}}))

	Logger(DomainDatabase).Info("migration applied", "version", 1)
	Logger(DomainReplicator).Error("masked out")

	out := buf.String()
	assert.Contains(t, out, `msg="migration applied"`)
	assert.Contains(t, out, "domain=database")
	assert.Contains(t, out, "version=1")
	assert.NotContains(t, out, "masked out")
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	t.Cleanup(Reset)
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Configure(Config{File: &FileSink{Level: slog.LevelInfo, Directory: dir}}))

	Logger(DomainNetwork).Info("connected", "server_peer", "p1")
	Logger(DomainNetwork).Debug("dropped by level")
	Reset()

	f, err := os.Open(filepath.Join(dir, FileName))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "connected", lines[0]["msg"])
	assert.Equal(t, "network", lines[0]["domain"])
	assert.Equal(t, "p1", lines[0]["server_peer"])
}

func TestFileSink_Plaintext(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{File: &FileSink{Level: slog.LevelWarn, Directory: dir, Plaintext: true}}))

	Logger(DomainReplicator).Warn("replication interrupted")
	Reset()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `msg="replication interrupted"`))
}

func TestConfigure_RejectsBadSinks(t *testing.T) {
	t.Cleanup(Reset)
	assert.Error(t, Configure(Config{File: &FileSink{}}))
	assert.Error(t, Configure(Config{Custom: &CustomSink{Domains: DomainAll}}))
}

func TestParseDomains(t *testing.T) {
	mask, err := ParseDomains([]string{"replicator", " Network "})
	require.NoError(t, err)
	assert.Equal(t, DomainReplicator|DomainNetwork, mask)
	assert.Equal(t, "replicator|network", mask.String())

	mask, err = ParseDomains([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, DomainAll, mask)

	_, err = ParseDomains([]string{"query"})
	assert.Error(t, err)
	assert.Equal(t, "none", Domain(0).String())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestMegabytes(t *testing.T) {
	assert.Equal(t, 1, megabytes(1))
	assert.Equal(t, 1, megabytes(1024*1024))
	assert.Equal(t, 2, megabytes(1024*1024+1))
}
