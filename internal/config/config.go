// Package config loads the Forge configuration: a YAML file with defaults
// applied first and a small set of environment overrides applied last, so a
// fresh machine can start the process with nothing but FORGE_SQL_CONN set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config holds every recognized option.
type Config struct {
	// Edge→Forge transport.
	PipeName                   string `yaml:"pipe_name"`
	SocketDir                  string `yaml:"socket_dir"`
	MaxConcurrentPipeInstances int    `yaml:"max_concurrent_pipe_instances"`
	PipeChannelCapacity        int    `yaml:"pipe_channel_capacity"`

	// Failover replay.
	FailoverDirectory           string `yaml:"failover_directory"`
	FailoverScanIntervalSeconds int    `yaml:"failover_scan_interval_seconds"`

	// Enrichment.
	EnableEnrichments   bool   `yaml:"enable_enrichments"`
	PipelineWorkers     int    `yaml:"pipeline_workers"`
	QueryStringCapBytes int    `yaml:"query_string_cap_bytes"`
	GeoDBDir            string `yaml:"geo_db_dir"`
	GeoCityDB           string `yaml:"geo_city_db"`
	GeoASNDB            string `yaml:"geo_asn_db"`
	GeoCountryDB        string `yaml:"geo_country_db"`
	GeoAPIURL           string `yaml:"geo_api_url"`
	KnownIPTTLDays      int    `yaml:"known_ip_ttl_days"`
	WhoisServer         string `yaml:"whois_server"`

	// Bulk writer.
	SqlWriterChannelCapacity int    `yaml:"sql_writer_channel_capacity"`
	BatchSize                int    `yaml:"batch_size"`
	BatchFlushMillis         int    `yaml:"batch_flush_millis"`
	BulkCopyTimeoutSeconds   int    `yaml:"bulk_copy_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `yaml:"shutdown_timeout_seconds"`
	DeadLetterDirectory      string `yaml:"dead_letter_directory"`

	// Relational store.
	SQLConnString   string `yaml:"sql_conn_string"`
	SQLMaxOpenConns int    `yaml:"sql_max_open_conns"`
	SQLMaxIdleConns int    `yaml:"sql_max_idle_conns"`

	// ETL + maintenance.
	EtlIntervalSeconds      int `yaml:"etl_interval_seconds"`
	PurgeHourUtc            int `yaml:"purge_hour_utc"`
	IndexMaintenanceHourUtc int `yaml:"index_maintenance_hour_utc"`
	PurgeRetentionDays      int `yaml:"purge_retention_days"`
	PurgeChunkSize          int `yaml:"purge_chunk_size"`

	// Edge health bridge.
	EdgeBaseURL string `yaml:"edge_base_url"`

	// Operations surface.
	OpsListenAddr string `yaml:"ops_listen_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	SentryDSN     string `yaml:"sentry_dsn"`
}

// Default returns the configuration the Forge runs with when no file is
// present. Values mirror the deployment defaults of the capture platform.
func Default() *Config {
	return &Config{
		PipeName:                    "SmartPiXL-Enrichment",
		SocketDir:                   "/tmp",
		MaxConcurrentPipeInstances:  4,
		PipeChannelCapacity:         50000,
		FailoverDirectory:           "./failover",
		FailoverScanIntervalSeconds: 60,
		EnableEnrichments:           true,
		PipelineWorkers:             1,
		QueryStringCapBytes:         32 * 1024,
		GeoDBDir:                    "./geodb",
		GeoCityDB:                   "GeoLite2-City.mmdb",
		GeoASNDB:                    "GeoLite2-ASN.mmdb",
		GeoCountryDB:                "GeoLite2-Country.mmdb",
		GeoAPIURL:                   "http://ip-api.com/json",
		KnownIPTTLDays:              90,
		WhoisServer:                 "whois.radb.net:43",
		SqlWriterChannelCapacity:    10000,
		BatchSize:                   100,
		BatchFlushMillis:            1000,
		BulkCopyTimeoutSeconds:      60,
		ShutdownTimeoutSeconds:      30,
		SQLMaxOpenConns:             10,
		SQLMaxIdleConns:             4,
		EtlIntervalSeconds:          60,
		PurgeHourUtc:                4,
		IndexMaintenanceHourUtc:     5,
		PurgeRetentionDays:          90,
		PurgeChunkSize:              10000,
		EdgeBaseURL:                 "http://127.0.0.1:6000",
		OpsListenAddr:               "127.0.0.1:6100",
		LogLevel:                    "info",
		LogFormat:                   "text",
	}
}

// Load reads path (optional), overlays environment overrides, and validates.
// A missing file is not an error; an unreadable or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the overrides operators set per machine.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FORGE_SQL_CONN"); v != "" {
		cfg.SQLConnString = v
	}
	if v := os.Getenv("FORGE_PIPE_NAME"); v != "" {
		cfg.PipeName = v
	}
	if v := os.Getenv("FORGE_OPS_ADDR"); v != "" {
		cfg.OpsListenAddr = v
	}
	if v := os.Getenv("FORGE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FORGE_EDGE_BASE_URL"); v != "" {
		cfg.EdgeBaseURL = v
	}
	if v := os.Getenv("FORGE_FAILOVER_DIR"); v != "" {
		cfg.FailoverDirectory = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FORGE_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
	if v := os.Getenv("FORGE_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PipelineWorkers = n
		}
	}
}

// Validate rejects configurations the process cannot run with. Startup-time
// config errors are the only fatal class in the error taxonomy.
func (c *Config) Validate() error {
	if c.PipeName == "" {
		return fmt.Errorf("config: pipe_name must not be empty")
	}
	if c.PipeChannelCapacity <= 0 || c.SqlWriterChannelCapacity <= 0 {
		return fmt.Errorf("config: channel capacities must be positive")
	}
	if c.MaxConcurrentPipeInstances <= 0 {
		return fmt.Errorf("config: max_concurrent_pipe_instances must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("config: pipeline_workers must be positive")
	}
	if c.PurgeHourUtc < 0 || c.PurgeHourUtc > 23 {
		return fmt.Errorf("config: purge_hour_utc out of range 0-23: %d", c.PurgeHourUtc)
	}
	if c.IndexMaintenanceHourUtc < 0 || c.IndexMaintenanceHourUtc > 23 {
		return fmt.Errorf("config: index_maintenance_hour_utc out of range 0-23: %d", c.IndexMaintenanceHourUtc)
	}
	if c.QueryStringCapBytes < 16*1024 {
		return fmt.Errorf("config: query_string_cap_bytes below the 16KB platform floor")
	}
	return nil
}

// SocketPath resolves the well-known pipe name to its Unix socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.SocketDir, c.PipeName+".sock")
}

// DeadLetterDir resolves the JSONL dead-letter directory, defaulting beneath
// the failover directory.
func (c *Config) DeadLetterDir() string {
	if c.DeadLetterDirectory != "" {
		return c.DeadLetterDirectory
	}
	return filepath.Join(c.FailoverDirectory, "deadletter")
}

// GeoCityPath, GeoASNPath and GeoCountryPath resolve the optional offline
// database files. An empty filename disables the corresponding lookup.
func (c *Config) GeoCityPath() string    { return c.geoPath(c.GeoCityDB) }
func (c *Config) GeoASNPath() string     { return c.geoPath(c.GeoASNDB) }
func (c *Config) GeoCountryPath() string { return c.geoPath(c.GeoCountryDB) }

func (c *Config) geoPath(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(c.GeoDBDir, name)
}
