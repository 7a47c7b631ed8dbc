// Command forge runs the SmartPiXL enrichment engine: the socket
// listener and failover replayer feed the enrichment pipeline, the bulk
// writer lands batches in Postgres, and the ETL and maintenance
// schedulers keep the downstream tables moving. One process, ordered
// shutdown, loopback ops surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/smartpixl/forge/internal/alerting"
	"github.com/smartpixl/forge/internal/circuitbreaker"
	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/config"
	"github.com/smartpixl/forge/internal/diag"
	"github.com/smartpixl/forge/internal/edge"
	"github.com/smartpixl/forge/internal/enrich"
	"github.com/smartpixl/forge/internal/etl"
	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
	"github.com/smartpixl/forge/internal/ops"
	"github.com/smartpixl/forge/internal/pipeline"
	"github.com/smartpixl/forge/internal/storage"
	"github.com/smartpixl/forge/internal/transport"
	"github.com/smartpixl/forge/internal/writer"
)

func main() {
	configPath := flag.String("config", "forge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; environment overrides still apply without it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	setupLogging(cfg)
	log := slog.With("component", "forge")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Warn("Sentry init failed, continuing without it", "error", err)
		} else {
			defer sentry.Flush(5 * time.Second)
		}
	}

	if err := run(cfg, log); err != nil {
		log.Error("Forge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.SQLConnString == "" {
		return fmt.Errorf("sql_conn_string is required (set FORGE_SQL_CONN)")
	}

	met := metrics.New()
	notifier := alerting.NewLogNotifier()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, err := storage.Open(startCtx, cfg.SQLConnString, cfg.SQLMaxOpenConns, cfg.SQLMaxIdleConns)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	svcs, err := buildServices(cfg, store)
	if err != nil {
		return err
	}
	svcs.Session.OnSize = func(n int) { met.SessionsLive.Set(float64(n)) }
	svcs.GeoAPI.OnOutcome = func(outcome string) { met.GeoAPICalls.WithLabelValues(outcome).Inc() }
	svcs.CrossCustomer.OnAlert = func(ip string, companies int) {
		notifier.Notify(context.Background(), alerting.SeverityWarning,
			"Cross-customer scraper alert",
			fmt.Sprintf("ip %s hit %d distinct companies inside the alert window", ip, companies))
	}

	// Seed the known-IP suppression map so a restart does not re-spend the
	// external geo budget on addresses the platform already resolved.
	if n, err := store.StreamKnownIPs(startCtx, svcs.GeoAPI.Add); err != nil {
		log.Warn("Known-IP preload failed, starting with a cold map", "error", err)
	} else {
		met.KnownIPs.Set(float64(n))
	}

	chEnrich := make(chan *model.Record, cfg.PipeChannelCapacity)
	chWrite := make(chan *model.Record, cfg.SqlWriterChannelCapacity)

	listener, err := transport.NewListener(cfg.SocketPath(), cfg.MaxConcurrentPipeInstances, chEnrich, met)
	if err != nil {
		return fmt.Errorf("bind ingest socket: %w", err)
	}
	replayer := transport.NewReplayer(cfg.FailoverDirectory,
		time.Duration(cfg.FailoverScanIntervalSeconds)*time.Second, chEnrich, met)

	pipe := pipeline.New(chEnrich, chWrite, svcs.Chain(), pipeline.Options{
		Enabled:  cfg.EnableEnrichments,
		Workers:  cfg.PipelineWorkers,
		QueryCap: cfg.QueryStringCapBytes,
	}, met)

	wr := writer.New(chWrite, store, writer.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.BatchFlushMillis) * time.Millisecond,
		InsertTimeout: time.Duration(cfg.BulkCopyTimeoutSeconds) * time.Second,
		DrainTimeout:  time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
		DeadLetterDir: cfg.DeadLetterDir(),
	}, met, clock.System)
	wr.OnBreakerOpen = func(circuitbreaker.State) {
		notifier.Notify(context.Background(), alerting.SeverityCritical,
			"Bulk writer circuit opened",
			"database inserts are failing; batches are spilling to the dead-letter spool")
	}

	scheduler := etl.NewScheduler(store, time.Duration(cfg.EtlIntervalSeconds)*time.Second, met)
	maintenance := etl.NewMaintenance(store, etl.MaintenanceConfig{
		PurgeHourUTC:   cfg.PurgeHourUtc,
		IndexHourUTC:   cfg.IndexMaintenanceHourUtc,
		RetentionDays:  cfg.PurgeRetentionDays,
		PurgeChunkSize: cfg.PurgeChunkSize,
	}, clock.System, met)

	edgeClient := edge.NewClient(cfg.EdgeBaseURL)
	stats := &enricherStats{svcs: svcs}
	opsSrv := ops.NewServer(cfg.OpsListenAddr, met, wr.Breaker(), stats, edgeClient)

	// Intake stops on the signal; everything downstream drains in order.
	rootCtx, cancelRoot := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelRoot()
	tailCtx, cancelTail := context.WithCancel(context.Background())
	defer cancelTail()

	enrich.StartEviction(rootCtx, svcs.Evictors()...)
	go refreshGauges(rootCtx, met, svcs)

	var tail sync.WaitGroup
	runComponent(&tail, log, "ops", func() error { return opsSrv.Run(tailCtx) })
	if cfg.RedisAddr != "" {
		pub := diag.New(cfg.RedisAddr, map[string]diag.SnapshotFunc{
			"counters":  func() any { return met.Stats() },
			"enrichers": func() any { return stats.EnricherStats() },
		})
		runComponent(&tail, log, "diag", func() error { return pub.Run(tailCtx) })
	}
	runComponent(&tail, log, "etl", func() error { return scheduler.Run(rootCtx) })
	runComponent(&tail, log, "maintenance", func() error { return maintenance.Run(rootCtx) })

	var intake sync.WaitGroup
	runComponent(&intake, log, "listener", func() error { return listener.Run(rootCtx) })
	runComponent(&intake, log, "replayer", func() error { return replayer.Run(rootCtx) })

	var drain sync.WaitGroup
	drainBudget := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	drain.Add(1)
	go func() {
		defer drain.Done()
		if err := pipe.Run(drainContext(rootCtx, drainBudget)); err != nil {
			log.Error("Component stopped with error", "name", "pipeline", "error", err)
		}
		// Pipeline done means nothing feeds the writer channel anymore.
		close(chWrite)
	}()
	runComponent(&drain, log, "writer", func() error {
		return wr.Run(drainContext(rootCtx, drainBudget))
	})

	log.Info("Forge running",
		"socket", cfg.SocketPath(),
		"ops_addr", cfg.OpsListenAddr,
		"enrichments", cfg.EnableEnrichments,
		"pipeline_workers", cfg.PipelineWorkers)

	<-rootCtx.Done()
	log.Info("Shutdown signal received, draining")

	// Producers first, then let the channels empty front to back.
	intake.Wait()
	close(chEnrich)
	drain.Wait()
	cancelTail()
	tail.Wait()

	log.Info("Forge stopped cleanly")
	return nil
}

// buildServices wires the fifteen enrichment services against the store
// and the configured external endpoints.
func buildServices(cfg *config.Config, store *storage.Store) (*enrich.Services, error) {
	replay, err := enrich.NewReplay()
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	clk := clock.System
	return &enrich.Services{
		BotUA:         enrich.NewBotUA(),
		UAParse:       enrich.NewUAParse(),
		RDNS:          enrich.NewRDNS(),
		GeoLite:       enrich.NewGeoLite(cfg.GeoCityPath(), cfg.GeoASNPath(), cfg.GeoCountryPath()),
		GeoAPI:        enrich.NewGeoAPI(cfg.GeoAPIURL, store, cfg.KnownIPTTLDays, clk),
		Whois:         enrich.NewWhois(cfg.WhoisServer),
		Session:       enrich.NewSessionStitcher(clk),
		CrossCustomer: enrich.NewCrossCustomer(clk),
		Affluence:     enrich.NewAffluence(),
		Contradiction: enrich.NewContradictionMatrix(),
		Arbitrage:     enrich.NewArbitrage(),
		DeviceAge:     enrich.NewDeviceAge(clk),
		Replay:        replay,
		DeadInternet:  enrich.NewDeadInternet(clk),
		LeadScore:     enrich.NewLeadScore(),
	}, nil
}

// enricherStats adapts the stateful services to the ops stats endpoint.
type enricherStats struct {
	svcs *enrich.Services
}

func (e *enricherStats) EnricherStats() map[string]any {
	return map[string]any{
		"sessions_live":         e.svcs.Session.Len(),
		"known_ips":             e.svcs.GeoAPI.Len(),
		"cross_customer_keys":   e.svcs.CrossCustomer.Len(),
		"replay_cache_len":      e.svcs.Replay.Len(),
		"dead_internet_tenants": e.svcs.DeadInternet.Len(),
	}
}

// refreshGauges keeps the slow-moving size gauges current.
func refreshGauges(ctx context.Context, met *metrics.Metrics, svcs *enrich.Services) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			met.KnownIPs.Set(float64(svcs.GeoAPI.Len()))
			met.ReplayCacheLen.Set(float64(svcs.Replay.Len()))
			met.SessionsLive.Set(float64(svcs.Session.Len()))
		}
	}
}

// drainContext stays live while parent is, then grants a drain budget
// before cancelling. Components that finish draining earlier return on
// their own; the deadline only caps a stuck drain.
func drainContext(parent context.Context, budget time.Duration) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-parent.Done()
		timer := time.NewTimer(budget)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx
}

func runComponent(wg *sync.WaitGroup, log *slog.Logger, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil {
			log.Error("Component stopped with error", "name", name, "error", err)
		}
	}()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
