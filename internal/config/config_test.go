package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "SmartPiXL-Enrichment", cfg.PipeName)
	assert.Equal(t, 50000, cfg.PipeChannelCapacity)
	assert.Equal(t, 10000, cfg.SqlWriterChannelCapacity)
	assert.Equal(t, 4, cfg.MaxConcurrentPipeInstances)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 60, cfg.FailoverScanIntervalSeconds)
	assert.Equal(t, 30, cfg.ShutdownTimeoutSeconds)
	assert.True(t, cfg.EnableEnrichments)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().PipeName, cfg.PipeName)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	body := `
pipe_name: TestPipe
batch_size: 250
purge_hour_utc: 2
enable_enrichments: false
edge_base_url: http://10.0.0.5:6000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TestPipe", cfg.PipeName)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 2, cfg.PurgeHourUtc)
	assert.False(t, cfg.EnableEnrichments)
	assert.Equal(t, "http://10.0.0.5:6000", cfg.EdgeBaseURL)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50000, cfg.PipeChannelCapacity)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipe_name: FromFile\n"), 0o644))

	t.Setenv("FORGE_PIPE_NAME", "FromEnv")
	t.Setenv("FORGE_SQL_CONN", "postgres://forge@localhost/forge")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "FromEnv", cfg.PipeName)
	assert.Equal(t, "postgres://forge@localhost/forge", cfg.SQLConnString)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipe_name: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCatchesBadHours(t *testing.T) {
	cfg := Default()
	cfg.PurgeHourUtc = 24
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.IndexMaintenanceHourUtc = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateCatchesZeroCapacities(t *testing.T) {
	cfg := Default()
	cfg.PipeChannelCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSocketPathJoinsPipeName(t *testing.T) {
	cfg := Default()
	cfg.SocketDir = "/var/run/smartpixl"
	cfg.PipeName = "SmartPiXL-Enrichment"
	assert.Equal(t, "/var/run/smartpixl/SmartPiXL-Enrichment.sock", cfg.SocketPath())
}

func TestDeadLetterDirDefaultsUnderFailover(t *testing.T) {
	cfg := Default()
	cfg.FailoverDirectory = "/data/failover"
	assert.Equal(t, "/data/failover/deadletter", cfg.DeadLetterDir())

	cfg.DeadLetterDirectory = "/data/dlq"
	assert.Equal(t, "/data/dlq", cfg.DeadLetterDir())
}

func TestGeoPathsResolveAgainstDir(t *testing.T) {
	cfg := Default()
	cfg.GeoDBDir = "/opt/geo"
	assert.Equal(t, "/opt/geo/GeoLite2-City.mmdb", cfg.GeoCityPath())

	cfg.GeoASNDB = ""
	assert.Equal(t, "", cfg.GeoASNPath())
}
