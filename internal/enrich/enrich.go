// Package enrich implements the fifteen enrichment services the pipeline
// runs per record. Stateless services are pure lookups; stateful ones own
// sliding-window maps with per-key locking and periodic eviction.
package enrich

import (
	"context"
	"time"

	"github.com/smartpixl/forge/internal/model"
)

// Step is one enrichment stage. Implementations append _srv_* parameters to
// the record's query string and never overwrite earlier keys. A returned
// error means the step was skipped for this record; the record continues
// through the rest of the chain.
type Step interface {
	Name() string
	Enrich(ctx context.Context, rec *model.Record) error
}

// Evictor is implemented by the stateful services whose windows need
// periodic pruning. Each declares its own interval.
type Evictor interface {
	Evict()
	EvictEvery() time.Duration
}

// StartEviction runs one pruning goroutine per evictor until ctx is done.
func StartEviction(ctx context.Context, evictors ...Evictor) {
	for _, ev := range evictors {
		go func(ev Evictor) {
			ticker := time.NewTicker(ev.EvictEvery())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					ev.Evict()
				}
			}
		}(ev)
	}
}
