// Package transport moves records from the edge into the enrichment
// channel: a Unix domain socket listener for the live stream and a
// directory scanner that replays the JSONL spool files the edge writes
// when the socket is unreachable.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
)

// enqueueWait bounds how long a producer leans on a full enrichment
// channel before shedding the record. The edge must never feel
// backpressure on its request path.
const enqueueWait = 100 * time.Millisecond

// Listener accepts edge connections on the pipe socket and feeds decoded
// records into the enrichment channel. Several accept workers run in
// parallel so the edge can reconnect immediately while another worker is
// still draining a previous connection.
type Listener struct {
	socketPath string
	workers    int
	out        chan<- *model.Record
	met        *metrics.Metrics
	log        *slog.Logger

	ln net.Listener
}

// NewListener binds the socket. A stale socket file from an unclean
// shutdown is removed first. Failure to bind is the one fatal startup
// error this package has.
func NewListener(socketPath string, workers int, out chan<- *model.Record, met *metrics.Metrics) (*Listener, error) {
	if workers <= 0 {
		workers = 1
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bind pipe socket %s: %w", socketPath, err)
	}
	return &Listener{
		socketPath: socketPath,
		workers:    workers,
		out:        out,
		met:        met,
		log:        slog.With("component", "listener"),
		ln:         ln,
	}, nil
}

// Run serves until ctx is cancelled, then closes the socket and waits for
// in-flight connections to finish their current line.
func (l *Listener) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	l.log.Info("Listening for edge connections", "socket", l.socketPath, "workers", l.workers)
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			l.acceptLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	os.Remove(l.socketPath)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, worker int) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Accept failures here are transient (EMFILE, aborted
			// handshake); back off briefly and take the next client.
			l.log.Warn("Accept failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		l.serveConn(ctx, conn)
	}
}

// serveConn reads newline-delimited JSON records until EOF or disconnect.
// Malformed lines are counted and skipped; the connection stays open.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), model.MaxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := model.Decode(line)
		if err != nil {
			l.met.RecordMalformed()
			l.log.Debug("Dropping malformed record", "error", err)
			continue
		}
		Enqueue(ctx, l.out, rec, l.met, "pipe")
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.log.Debug("Connection closed", "error", err)
	}
}

// Enqueue delivers one record to the enrichment channel, blocking at most
// enqueueWait before dropping it. Both transport producers share this
// policy: within one connection or file the order is preserved, and a full
// channel sheds load instead of stalling the producer.
func Enqueue(ctx context.Context, out chan<- *model.Record, rec *model.Record, met *metrics.Metrics, source string) bool {
	select {
	case out <- rec:
		met.RecordReceived(source)
		return true
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case out <- rec:
		met.RecordReceived(source)
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	met.RecordDropped("enrichment_queue")
	return false
}

// SocketPath resolves a pipe name to its filesystem path.
func SocketPath(dir, pipeName string) string {
	return filepath.Join(dir, pipeName+".sock")
}
