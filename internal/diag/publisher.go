// Package diag publishes periodic JSON snapshots of the Forge's internal
// state to Redis so operational dashboards can read them without touching
// the process. Entirely optional: no Redis address, no publisher.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	publishInterval = 30 * time.Second
	keyPrefix       = "forge:snapshot:"
	keyTTL          = 2 * time.Minute
)

// SnapshotFunc produces one named snapshot. The publisher never blocks
// the pipeline: these read counters and map sizes, nothing more.
type SnapshotFunc func() any

// Publisher pushes named snapshots to Redis on a fixed cadence.
type Publisher struct {
	rdb       *redis.Client
	snapshots map[string]SnapshotFunc
	log       *slog.Logger
}

// New connects to Redis. A failed ping is a warning: the publisher still
// runs and starts succeeding when Redis comes back.
func New(addr string, snapshots map[string]SnapshotFunc) *Publisher {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	p := &Publisher{
		rdb:       rdb,
		snapshots: snapshots,
		log:       slog.With("component", "diag"),
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		p.log.Warn("Redis unreachable, snapshots will retry", "addr", addr, "error", err)
	}
	return p
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	p.log.Info("Diagnostics publisher starting", "snapshots", len(p.snapshots), "interval", publishInterval)
	for {
		select {
		case <-ctx.Done():
			return p.rdb.Close()
		case <-ticker.C:
			p.PublishAll(ctx)
		}
	}
}

// PublishAll writes every snapshot once. Failures are per-key warnings.
func (p *Publisher) PublishAll(ctx context.Context) {
	for name, fn := range p.snapshots {
		payload, err := json.Marshal(fn())
		if err != nil {
			p.log.Warn("Snapshot marshal failed", "snapshot", name, "error", err)
			continue
		}
		if err := p.rdb.Set(ctx, keyPrefix+name, payload, keyTTL).Err(); err != nil {
			p.log.Warn("Snapshot publish failed", "snapshot", name, "error", err)
		}
	}
}
