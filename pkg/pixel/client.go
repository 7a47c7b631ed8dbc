// Package pixel is the producer-side client for the forge ingest
// socket. The edge tier links against it to ship hit records over the
// local socket, falling back to an append-only JSONL spool whenever
// the socket is down so the replayer can pick the lines up later.
package pixel

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

const dialTimeout = 2 * time.Second

// Record is the wire record Send ships. Aliased here so callers
// outside this module can construct one without reaching into
// internal packages.
type Record = model.Record

// Client sends records to a forge listener over a unix domain socket.
// Safe for concurrent use; a single connection is shared and lines are
// written whole, so per-client ordering is preserved.
type Client struct {
	socketPath  string
	failoverDir string
	clk         clock.Clock

	mu   sync.Mutex
	conn net.Conn
}

// New returns a client for the given socket path. failoverDir receives
// the daily spool files when the socket is unreachable; it is created
// on first use.
func New(socketPath, failoverDir string) *Client {
	return &Client{
		socketPath:  socketPath,
		failoverDir: failoverDir,
		clk:         clock.Real{},
	}
}

// NewWithClock is New with an injected clock, for tests that pin the
// spool file date.
func NewWithClock(socketPath, failoverDir string, clk clock.Clock) *Client {
	c := New(socketPath, failoverDir)
	c.clk = clk
	return c
}

// Send delivers one record as a single JSON line. On any socket
// failure the record is appended to the daily failover spool instead;
// Send only returns an error when the spool write fails too.
func (c *Client) Send(rec *Record) error {
	line, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(line); err != nil {
		// One reconnect attempt before spooling; the listener may
		// have restarted since the connection was opened.
		c.closeLocked()
		if err = c.writeLine(line); err != nil {
			return c.spool(line)
		}
	}
	return nil
}

func (c *Client) writeLine(line []byte) error {
	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
		if err != nil {
			return err
		}
		c.conn = conn
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *Client) spool(line []byte) error {
	if err := os.MkdirAll(c.failoverDir, 0o755); err != nil {
		return fmt.Errorf("create failover dir: %w", err)
	}
	name := fmt.Sprintf("failover_%s.jsonl", c.clk.Now().UTC().Format("2006_01_02"))
	f, err := os.OpenFile(filepath.Join(c.failoverDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failover spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append failover spool: %w", err)
	}
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the socket connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
