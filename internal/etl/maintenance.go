package etl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/storage"
)

const (
	rebuildThreshold    = 30.0 // leaf fragmentation percent
	reorganizeThreshold = 10.0
	minIndexPages       = 100 // smaller indexes are left alone
	purgePause          = time.Second
)

// MaintStore is the database surface the maintenance loop needs.
type MaintStore interface {
	PurgeChunk(ctx context.Context, retentionDays, limit int) (int64, error)
	IndexStats(ctx context.Context) ([]storage.IndexStat, error)
	ReindexConcurrently(ctx context.Context, index string) error
	VacuumAnalyzeRaw(ctx context.Context) error
	AuditMaintenance(ctx context.Context, action, detail string) error
}

// MaintenanceConfig sets the schedule and purge policy.
type MaintenanceConfig struct {
	PurgeHourUTC   int
	IndexHourUTC   int // Sundays only
	RetentionDays  int
	PurgeChunkSize int
}

func (c *MaintenanceConfig) defaults() {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.PurgeChunkSize <= 0 {
		c.PurgeChunkSize = 10_000
	}
}

// Maintenance runs the clock-driven tasks: the nightly raw-table purge in
// paced chunks, and Sunday index maintenance driven by fragmentation.
// Every action lands in the remediation log.
type Maintenance struct {
	store MaintStore
	cfg   MaintenanceConfig
	clk   clock.Clock
	met   *metrics.Metrics
	log   *slog.Logger

	// pause between purge chunks; tests shorten it.
	pause func(ctx context.Context, d time.Duration)

	lastPurgeDay string
	lastIndexDay string
}

func NewMaintenance(store MaintStore, cfg MaintenanceConfig, clk clock.Clock, met *metrics.Metrics) *Maintenance {
	cfg.defaults()
	if clk == nil {
		clk = clock.System
	}
	return &Maintenance{
		store: store,
		cfg:   cfg,
		clk:   clk,
		met:   met,
		log:   slog.With("component", "maintenance"),
		pause: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Run checks the schedule once a minute.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	m.log.Info("Maintenance scheduler starting",
		"purge_hour_utc", m.cfg.PurgeHourUTC, "index_hour_utc", m.cfg.IndexHourUTC,
		"retention_days", m.cfg.RetentionDays)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckSchedule(ctx)
		}
	}
}

// CheckSchedule fires any task whose window is open and has not run
// today. Exported for tests driving the fake clock.
func (m *Maintenance) CheckSchedule(ctx context.Context) {
	now := m.clk.Now().UTC()
	day := now.Format("2006-01-02")

	if now.Hour() == m.cfg.PurgeHourUTC && m.lastPurgeDay != day {
		m.lastPurgeDay = day
		m.runPurge(ctx)
	}
	if now.Weekday() == time.Sunday && now.Hour() == m.cfg.IndexHourUTC && m.lastIndexDay != day {
		m.lastIndexDay = day
		m.runIndexMaintenance(ctx)
	}
}

// runPurge deletes expired raw rows in chunks with a pause between each,
// so the nightly cleanup never owns the table.
func (m *Maintenance) runPurge(ctx context.Context) {
	m.log.Info("Nightly purge starting", "retention_days", m.cfg.RetentionDays)
	var total int64
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := m.store.PurgeChunk(ctx, m.cfg.RetentionDays, m.cfg.PurgeChunkSize)
		if err != nil {
			m.log.Error("Purge chunk failed", "purged_so_far", total, "error", err)
			m.audit(ctx, "purge_failed", err.Error())
			return
		}
		total += n
		m.met.PurgedRows.Add(float64(n))
		if n < int64(m.cfg.PurgeChunkSize) {
			break
		}
		m.pause(ctx, purgePause)
	}

	m.log.Info("Nightly purge completed", "rows", total)
	m.audit(ctx, "purge_completed", fmt.Sprintf("rows=%d retention_days=%d", total, m.cfg.RetentionDays))
}

// runIndexMaintenance rebuilds badly fragmented indexes, reorganizes the
// table for moderate fragmentation, and skips small indexes entirely.
func (m *Maintenance) runIndexMaintenance(ctx context.Context) {
	stats, err := m.store.IndexStats(ctx)
	if err != nil {
		m.log.Warn("Index stats unavailable, skipping index maintenance", "error", err)
		return
	}

	needsVacuum := false
	for _, st := range stats {
		if ctx.Err() != nil {
			return
		}
		switch {
		case st.Pages <= minIndexPages:
			m.met.IndexActions.WithLabelValues("skip").Inc()
			m.log.Debug("Index too small to bother", "index", st.Name, "pages", st.Pages)
		case st.Fragmentation > rebuildThreshold:
			m.log.Info("Rebuilding fragmented index", "index", st.Name, "fragmentation", st.Fragmentation)
			if err := m.store.ReindexConcurrently(ctx, st.Name); err != nil {
				m.log.Error("Index rebuild failed", "index", st.Name, "error", err)
				m.audit(ctx, "index_rebuild_failed", st.Name+": "+err.Error())
				continue
			}
			m.met.IndexActions.WithLabelValues("rebuild").Inc()
			m.audit(ctx, "index_rebuilt", fmt.Sprintf("%s fragmentation=%.1f%%", st.Name, st.Fragmentation))
		case st.Fragmentation > reorganizeThreshold:
			needsVacuum = true
			m.met.IndexActions.WithLabelValues("analyze").Inc()
		default:
			m.met.IndexActions.WithLabelValues("skip").Inc()
		}
	}

	if needsVacuum {
		if err := m.store.VacuumAnalyzeRaw(ctx); err != nil {
			m.log.Error("Vacuum analyze failed", "error", err)
			m.audit(ctx, "vacuum_failed", err.Error())
			return
		}
		m.audit(ctx, "vacuum_completed", "moderate index fragmentation")
	}
}

func (m *Maintenance) audit(ctx context.Context, action, detail string) {
	if err := m.store.AuditMaintenance(ctx, action, detail); err != nil {
		m.log.Warn("Audit write failed", "action", action, "error", err)
	}
}
