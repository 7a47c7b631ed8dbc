package transport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/model"
)

func writeSpool(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestReplayerReplaysAndArchives(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		wireLine("42", "198.51.100.1"),
		wireLine("42", "198.51.100.2"),
		`{"broken`,
		wireLine("42", "198.51.100.3"),
	}
	path := writeSpool(t, dir, "failover_2026_01_01.jsonl", lines)

	out := make(chan *model.Record, 10)
	met := testMetrics()
	r := NewReplayer(dir, time.Minute, out, met)
	r.Scan(context.Background())

	require.Len(t, out, 3)
	assert.Equal(t, "198.51.100.1", (<-out).IPAddress)
	assert.Equal(t, "198.51.100.2", (<-out).IPAddress)
	assert.Equal(t, "198.51.100.3", (<-out).IPAddress)
	assert.Equal(t, int64(1), met.Stats().Malformed)

	_, err := os.Stat(path + ".done")
	assert.NoError(t, err, "file should be archived, not deleted")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReplayerProcessesFilesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "failover_2026_01_02.jsonl", []string{wireLine("second", "1.1.1.2")})
	writeSpool(t, dir, "failover_2026_01_01.jsonl", []string{wireLine("first", "1.1.1.1")})

	out := make(chan *model.Record, 10)
	r := NewReplayer(dir, time.Minute, out, testMetrics())
	r.Scan(context.Background())

	require.Len(t, out, 2)
	assert.Equal(t, "first", (<-out).CompanyID)
	assert.Equal(t, "second", (<-out).CompanyID)
}

func TestReplayerSkipsArchivedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "failover_2026_01_01.jsonl.done", []string{wireLine("old", "1.1.1.1")})

	out := make(chan *model.Record, 10)
	r := NewReplayer(dir, time.Minute, out, testMetrics())
	r.Scan(context.Background())
	r.Scan(context.Background()) // idempotent across scans

	assert.Empty(t, out)
}

func TestReplayerIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeSpool(t, dir, "notes.txt", []string{"not a spool"})

	out := make(chan *model.Record, 10)
	r := NewReplayer(dir, time.Minute, out, testMetrics())
	r.Scan(context.Background())

	assert.Empty(t, out)
	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestReplayerLeavesFileOnShutdownMidScan(t *testing.T) {
	dir := t.TempDir()
	path := writeSpool(t, dir, "failover_2026_01_01.jsonl", []string{wireLine("42", "1.1.1.1")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already shut down

	out := make(chan *model.Record, 10)
	r := NewReplayer(dir, time.Minute, out, testMetrics())
	r.Scan(ctx)

	_, err := os.Stat(path)
	assert.NoError(t, err, "unfinished file must survive for the next start")
}
