package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
)

const doneSuffix = ".done"

// Replayer streams the edge's failover spool files back into the pipeline.
// The edge writes failover_YYYY_MM_DD.jsonl when the socket is down; every
// scan interval the replayer walks the directory in filename order,
// replays each file and renames it with a .done suffix. Files are never
// deleted here, and a .done file is never read again.
//
// Crash note: a crash after the last line is enqueued but before the
// rename completes will replay the whole file on the next scan. Duplicate
// rows in the raw table are the documented cost; the store does not
// deduplicate.
type Replayer struct {
	dir      string
	interval time.Duration
	out      chan<- *model.Record
	met      *metrics.Metrics
	log      *slog.Logger
}

func NewReplayer(dir string, interval time.Duration, out chan<- *model.Record, met *metrics.Metrics) *Replayer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Replayer{
		dir:      dir,
		interval: interval,
		out:      out,
		met:      met,
		log:      slog.With("component", "replayer"),
	}
}

// Run scans immediately, then on every tick until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create failover directory %s: %w", r.dir, err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// Scan is one pass over the directory, exported for tests and the ops
// endpoint's manual trigger.
func (r *Replayer) Scan(ctx context.Context) { r.scan(ctx) }

func (r *Replayer) scan(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "failover_*.jsonl"))
	if err != nil {
		r.log.Warn("Failover scan failed", "error", err)
		return
	}
	sort.Strings(matches)

	for _, path := range matches {
		if ctx.Err() != nil {
			return
		}
		// The glob only matches *.jsonl, so archived *.jsonl.done files
		// can never be picked up again.
		r.replayFile(ctx, path)
	}
}

func (r *Replayer) replayFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		r.log.Warn("Cannot open failover file", "file", path, "error", err)
		return
	}

	var replayed, malformed, dropped int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), model.MaxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			f.Close()
			return // shutdown mid-file: leave it for the next start
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := model.Decode(line)
		if err != nil {
			malformed++
			r.met.RecordMalformed()
			continue
		}
		if Enqueue(ctx, r.out, rec, r.met, "failover") {
			replayed++
		} else {
			dropped++
		}
	}
	scanErr := scanner.Err()
	f.Close()

	if scanErr != nil {
		r.log.Warn("Failover file read failed, leaving for next scan", "file", path, "error", scanErr)
		return
	}

	if err := os.Rename(path, path+doneSuffix); err != nil {
		r.log.Warn("Cannot archive failover file", "file", path, "error", err)
		return
	}
	r.log.Info("Replayed failover file",
		"file", filepath.Base(path), "records", replayed,
		"malformed", malformed, "dropped", dropped)
}
