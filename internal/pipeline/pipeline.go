// Package pipeline runs each record through the fixed enrichment chain
// and hands the result to the writer channel. The chain order is a
// contract: later steps read keys earlier steps append.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smartpixl/forge/internal/enrich"
	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
)

// Pipeline consumes the enrichment channel and produces onto the writer
// channel. With Workers > 1 several records are enriched concurrently;
// every stateful enrichment service is per-key locked, so this is safe,
// at the cost of cross-record ordering.
type Pipeline struct {
	in       <-chan *model.Record
	out      chan<- *model.Record
	steps    []enrich.Step
	enabled  bool
	workers  int
	queryCap int
	met      *metrics.Metrics
	log      *slog.Logger
}

type Options struct {
	// Enabled false turns the pipeline into a pass-through: records move
	// from intake to writer untouched.
	Enabled bool
	Workers int
	// QueryCap overrides the per-record query-string growth ceiling.
	// Zero keeps the model default.
	QueryCap int
}

func New(in <-chan *model.Record, out chan<- *model.Record, steps []enrich.Step, opts Options, met *metrics.Metrics) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		in:       in,
		out:      out,
		steps:    steps,
		enabled:  opts.Enabled,
		workers:  workers,
		queryCap: opts.QueryCap,
		met:      met,
		log:      slog.With("component", "pipeline"),
	}
}

// Run consumes until the input channel closes or ctx is cancelled, then
// drains what is already queued before returning. Channel depth gauges
// are refreshed once a second from the first worker.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("Pipeline starting", "steps", len(p.steps), "workers", p.workers, "enabled", p.enabled)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}

	gaugeTicker := time.NewTicker(time.Second)
	defer gaugeTicker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return nil
		case <-gaugeTicker.C:
			p.met.EnrichQueueDepth.Set(float64(len(p.in)))
			p.met.WriterQueueDepth.Set(float64(len(p.out)))
		}
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued, without blocking.
			for {
				select {
				case rec, ok := <-p.in:
					if !ok {
						return
					}
					p.process(ctx, rec)
				default:
					return
				}
			}
		case rec, ok := <-p.in:
			if !ok {
				return
			}
			p.process(ctx, rec)
		}
	}
}

// process runs the chain and forwards the record. A failing step is
// skipped, never fatal to the record; only a full writer channel discards
// the record, and that is counted.
func (p *Pipeline) process(ctx context.Context, rec *model.Record) {
	if p.enabled {
		if p.queryCap > 0 {
			rec.SetQueryCap(p.queryCap)
		}
		for _, step := range p.steps {
			start := time.Now()
			err := step.Enrich(ctx, rec)
			p.met.RecordStep(step.Name(), time.Since(start).Seconds(), err)
			if err != nil {
				p.log.Debug("Enrichment step skipped", "step", step.Name(), "error", err)
			}
		}
		if n := rec.TruncatedAppends(); n > 0 {
			p.met.QueryTruncation.Add(float64(n))
			p.log.Warn("Query string hit its cap during enrichment",
				"company", rec.CompanyID, "dropped_params", n)
		}
	}
	p.met.RecordEnriched()

	select {
	case p.out <- rec:
	default:
		// Writer is behind and its buffer is full. Shedding here keeps
		// the enrichment channel moving; the writer queue is the release
		// valve, not a backstop.
		p.met.RecordDropped("writer_queue")
		p.log.Warn("Writer queue full, record dropped", "company", rec.CompanyID)
	}
}
