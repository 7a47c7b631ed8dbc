package pixel

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

func testRecord(ip string) *Record {
	return &Record{
		CompanyID:   "42",
		PixelID:     "px-1",
		IPAddress:   ip,
		UserAgent:   "test-agent",
		QueryString: "a=1",
		ReceivedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestClientSendOverSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "forge.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	c := New(sock, filepath.Join(dir, "failover"))
	defer c.Close()

	require.NoError(t, c.Send(testRecord("203.0.113.9")))
	require.NoError(t, c.Send(testRecord("203.0.113.10")))

	for _, want := range []string{"203.0.113.9", "203.0.113.10"} {
		select {
		case line := <-lines:
			rec, err := model.Decode([]byte(line))
			require.NoError(t, err)
			assert.Equal(t, want, rec.IPAddress)
			assert.Equal(t, "42", rec.CompanyID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for line")
		}
	}

	// No spool should exist when the socket is healthy.
	_, err = os.Stat(filepath.Join(dir, "failover"))
	assert.True(t, os.IsNotExist(err))
}

func TestClientSpoolsWhenSocketDown(t *testing.T) {
	dir := t.TempDir()
	failover := filepath.Join(dir, "failover")
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	c := NewWithClock(filepath.Join(dir, "missing.sock"), failover, clk)
	defer c.Close()

	require.NoError(t, c.Send(testRecord("198.51.100.7")))
	require.NoError(t, c.Send(testRecord("198.51.100.8")))

	data, err := os.ReadFile(filepath.Join(failover, "failover_2026_03_01.jsonl"))
	require.NoError(t, err)

	var ips []string
	for _, line := range splitLines(data) {
		rec, err := model.Decode(line)
		require.NoError(t, err)
		ips = append(ips, rec.IPAddress)
	}
	assert.Equal(t, []string{"198.51.100.7", "198.51.100.8"}, ips)
}

func TestClientReconnectsAfterListenerRestart(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "forge.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := New(sock, filepath.Join(dir, "failover"))
	defer c.Close()
	require.NoError(t, c.Send(testRecord("203.0.113.1")))

	// Restart the listener; the stale connection forces a redial.
	ln.Close()
	os.Remove(sock)
	ln2, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln2.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln2.Accept()
		if err != nil {
			return
		}
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	require.NoError(t, c.Send(testRecord("203.0.113.2")))
	select {
	case line := <-lines:
		rec, err := model.Decode([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.2", rec.IPAddress)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivered line")
	}
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
