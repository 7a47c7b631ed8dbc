// Package writer drains enriched records into the raw hit table in
// batches, behind a circuit breaker. When the database is down the
// breaker opens and batches spill to an on-disk JSONL dead-letter spool
// instead of stalling the pipeline.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/smartpixl/forge/internal/circuitbreaker"
	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
)

// HitStore is the raw-table sink. Implemented by the storage package.
type HitStore interface {
	InsertHits(ctx context.Context, records []*model.Record) error
}

// Config tunes batching and shutdown behavior.
type Config struct {
	BatchSize     int           // flush when the buffer reaches this
	FlushInterval time.Duration // or when this elapses with a partial buffer
	InsertTimeout time.Duration // per bulk insert
	DrainTimeout  time.Duration // budget for the shutdown drain
	DeadLetterDir string        // JSONL spill for rejected batches
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.InsertTimeout <= 0 {
		c.InsertTimeout = 60 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Writer is the single reader of the writer channel.
type Writer struct {
	in      <-chan *model.Record
	store   HitStore
	breaker *circuitbreaker.Breaker
	cfg     Config
	met     *metrics.Metrics
	log     *slog.Logger

	buf []*model.Record

	// OnBreakerOpen, when set, fires each time the circuit trips open.
	OnBreakerOpen func(from circuitbreaker.State)
}

func New(in <-chan *model.Record, store HitStore, cfg Config, met *metrics.Metrics, clk clock.Clock) *Writer {
	cfg.defaults()
	w := &Writer{
		in:    in,
		store: store,
		cfg:   cfg,
		met:   met,
		log:   slog.With("component", "writer"),
		buf:   make([]*model.Record, 0, cfg.BatchSize),
	}
	bcfg := circuitbreaker.DefaultConfig("bulk-writer")
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		w.log.Warn("Writer circuit state changed", "from", from.String(), "to", to.String())
		met.BreakerState.Set(breakerGaugeValue(to))
		if to == circuitbreaker.StateOpen && w.OnBreakerOpen != nil {
			w.OnBreakerOpen(from)
		}
	}
	w.breaker = circuitbreaker.New(bcfg, clk)
	return w
}

// Breaker exposes the circuit for the ops reset endpoint and health view.
func (w *Writer) Breaker() *circuitbreaker.Breaker { return w.breaker }

func breakerGaugeValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Run consumes until ctx is cancelled, then drains what remains within
// the drain budget. Records still queued past the budget are abandoned
// and the count is logged.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	w.log.Info("Bulk writer starting", "batch_size", w.cfg.BatchSize, "flush_interval", w.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case rec, ok := <-w.in:
			if !ok {
				w.flush(context.Background())
				return nil
			}
			w.buf = append(w.buf, rec)
			if len(w.buf) >= w.cfg.BatchSize {
				w.flush(context.Background())
			}
		case <-ticker.C:
			if len(w.buf) > 0 {
				w.flush(context.Background())
			}
		}
	}
}

// drain empties the channel and the buffer under the shutdown deadline.
func (w *Writer) drain() {
	deadline := time.Now().Add(w.cfg.DrainTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	abandoned := 0
	for time.Now().Before(deadline) {
		select {
		case rec, ok := <-w.in:
			if !ok {
				w.flush(ctx)
				w.log.Info("Writer drained", "abandoned", abandoned)
				return
			}
			w.buf = append(w.buf, rec)
			if len(w.buf) >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		default:
			// Channel empty right now; flush the tail and finish.
			w.flush(ctx)
			if len(w.in) == 0 {
				w.log.Info("Writer drained", "abandoned", abandoned)
				return
			}
		}
	}

	abandoned = len(w.in) + len(w.buf)
	if abandoned > 0 {
		w.log.Error("Writer drain deadline exceeded, records abandoned", "abandoned", abandoned)
	}
}

// flush pushes the buffer through the breaker. On rejection or failure
// the batch goes to the dead-letter spool and is dropped from memory
// either way; the writer never wedges on a bad batch.
func (w *Writer) flush(ctx context.Context) {
	if len(w.buf) == 0 {
		return
	}
	batch := w.buf
	w.buf = make([]*model.Record, 0, w.cfg.BatchSize)

	start := time.Now()
	err := w.breaker.Do(func() error {
		insertCtx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
		defer cancel()
		return w.store.InsertHits(insertCtx, batch)
	})
	if err == nil {
		w.met.RecordBatch(len(batch), time.Since(start).Seconds())
		return
	}

	w.met.WriteFailures.WithLabelValues("deadlettered").Inc()
	w.log.Error("Bulk insert failed, dead-lettering batch",
		"records", len(batch), "error", err,
		"circuit", w.breaker.State().String())
	w.deadLetter(batch)
}

// deadLetter appends the batch to a daily JSONL spool. A failure here
// means the records are gone; that is the documented fully-degraded mode
// and it is logged at the highest severity.
func (w *Writer) deadLetter(batch []*model.Record) {
	if w.cfg.DeadLetterDir == "" {
		w.log.Error("No dead-letter directory configured, records lost", "records", len(batch))
		return
	}
	if err := os.MkdirAll(w.cfg.DeadLetterDir, 0o755); err != nil {
		w.log.Error("Cannot create dead-letter directory, records lost", "records", len(batch), "error", err)
		return
	}

	name := fmt.Sprintf("deadletter_%s.jsonl", time.Now().UTC().Format("2006_01_02"))
	f, err := os.OpenFile(filepath.Join(w.cfg.DeadLetterDir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.log.Error("Cannot open dead-letter file, records lost", "records", len(batch), "error", err)
		return
	}
	defer f.Close()

	written := 0
	for _, rec := range batch {
		line, err := rec.Encode()
		if err != nil {
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			w.log.Error("Dead-letter write failed", "written", written, "records", len(batch), "error", err)
			return
		}
		written++
	}
	w.met.DeadLettered.Add(float64(written))
}
