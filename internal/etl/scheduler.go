// Package etl drives the downstream database work: the per-minute
// procedure cadence that projects raw hits into the parsed tables, and
// the clock-driven maintenance pass (nightly purge, weekly index care).
package etl

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/storage"
)

// Procedures in their contractual order. Each advances its own watermark
// inside its own transaction; the scheduler only invokes and observes.
var procedures = []string{
	"parse_new_hits",
	"match_visits",
	"enrich_parsed_geo",
	"match_legacy_visits",
}

const (
	maxAttempts   = 3
	baseBackoff   = 500 * time.Millisecond
	backoffJitter = 0.25
)

// ProcStore is the database surface the scheduler needs.
type ProcStore interface {
	CallProc(ctx context.Context, name string) (rows int64, lastID int64, err error)
	Watermarks(ctx context.Context) ([]storage.Watermark, error)
}

// Scheduler fires the ETL procedures on a fixed cadence.
type Scheduler struct {
	store    ProcStore
	interval time.Duration
	met      *metrics.Metrics
	log      *slog.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration)

	lastWatermarks map[string]int64
}

func NewScheduler(store ProcStore, interval time.Duration, met *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		met:      met,
		log:      slog.With("component", "etl"),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
		lastWatermarks: make(map[string]int64),
	}
}

// Run ticks until ctx is cancelled. Cancellation is honored between
// procedures, never mid-procedure.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("ETL scheduler starting", "interval", s.interval, "procedures", len(procedures))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full cycle: the four procedures in order, then the
// watermark read for the monotonic-advance check. A failed procedure
// fails the cycle; the remaining procedures wait for the next tick so
// their input ordering assumptions hold.
func (s *Scheduler) Tick(ctx context.Context) {
	cycleStart := time.Now()
	var totalRows int64

	for _, proc := range procedures {
		if ctx.Err() != nil {
			return
		}
		rows, lastID, err := s.runWithRetry(ctx, proc)
		if err != nil {
			s.log.Error("ETL cycle failed", "procedure", proc, "error", err)
			return
		}
		totalRows += rows
		s.log.Info("ETL procedure completed", "procedure", proc, "rows", rows, "watermark", lastID)
	}

	s.observeWatermarks(ctx)
	s.log.Info("ETL cycle completed", "rows", totalRows,
		"elapsed", time.Since(cycleStart).Round(time.Millisecond))
}

// runWithRetry retries deadlock victims with jittered exponential
// backoff: 500 ms, 1 s, 2 s, each +/-25%. Any other error escalates
// immediately.
func (s *Scheduler) runWithRetry(ctx context.Context, proc string) (int64, int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, jitteredBackoff(attempt-1))
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
		}

		start := time.Now()
		rows, lastID, err := s.store.CallProc(ctx, proc)
		elapsed := time.Since(start).Seconds()
		if err == nil {
			s.met.RecordEtl(proc, "ok", elapsed, rows)
			return rows, lastID, nil
		}

		if !storage.IsDeadlock(err) {
			s.met.RecordEtl(proc, "error", elapsed, 0)
			return 0, 0, err
		}
		s.met.RecordEtl(proc, "deadlock", elapsed, 0)
		s.met.EtlDeadlocks.Inc()
		s.log.Warn("ETL procedure chosen as deadlock victim, retrying",
			"procedure", proc, "attempt", attempt+1)
		lastErr = err
	}
	return 0, 0, fmt.Errorf("%s: deadlock retries exhausted: %w", proc, lastErr)
}

func jitteredBackoff(attempt int) time.Duration {
	backoff := baseBackoff << attempt
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(backoff) * jitter)
}

// observeWatermarks reads the progress table and verifies each procedure
// only ever moves forward. A regressing watermark means someone edited
// the table by hand or a procedure misbehaved; it is loud but not fatal.
func (s *Scheduler) observeWatermarks(ctx context.Context) {
	marks, err := s.store.Watermarks(ctx)
	if err != nil {
		s.log.Warn("Watermark read failed", "error", err)
		return
	}
	for _, m := range marks {
		if prev, ok := s.lastWatermarks[m.ProcessName]; ok && m.LastProcessedID < prev {
			s.log.Error("Watermark moved backwards",
				"procedure", m.ProcessName, "was", prev, "now", m.LastProcessedID)
		}
		s.lastWatermarks[m.ProcessName] = m.LastProcessedID
	}
}
