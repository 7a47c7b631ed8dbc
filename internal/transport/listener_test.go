package transport

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/metrics"
	"github.com/smartpixl/forge/internal/model"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func wireLine(company, ip string) string {
	return fmt.Sprintf(`{"CompanyID":%q,"PiXLID":"7","IPAddress":%q,"UserAgent":"UA","Referer":"","QueryString":"sw=100&","RequestPath":"/pixel/1/7.gif","HeadersJson":"{}","ReceivedAt":"2026-03-01T09:00:00Z"}`, company, ip)
}

func startListener(t *testing.T, capacity int) (string, chan *model.Record, context.CancelFunc, *metrics.Metrics) {
	t.Helper()
	socket := SocketPath(t.TempDir(), "forge-test")
	out := make(chan *model.Record, capacity)
	met := testMetrics()

	l, err := NewListener(socket, 2, out, met)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return socket, out, cancel, met
}

func TestListenerDecodesAndEnqueuesInOrder(t *testing.T) {
	socket, out, _, _ := startListener(t, 10)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		_, err = fmt.Fprintln(conn, wireLine(fmt.Sprintf("company-%d", i), "198.51.100.7"))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		select {
		case rec := <-out:
			assert.Equal(t, fmt.Sprintf("company-%d", i), rec.CompanyID)
			assert.Equal(t, "198.51.100.7", rec.IPAddress)
		case <-time.After(2 * time.Second):
			t.Fatalf("record %d never arrived", i)
		}
	}
}

func TestListenerSkipsMalformedLinesKeepsConnection(t *testing.T) {
	socket, out, _, met := startListener(t, 10)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, `{"CompanyID": nonsense`)
	fmt.Fprintln(conn, wireLine("42", "198.51.100.7"))

	select {
	case rec := <-out:
		assert.Equal(t, "42", rec.CompanyID)
	case <-time.After(2 * time.Second):
		t.Fatal("record after malformed line never arrived")
	}
	assert.Equal(t, int64(1), met.Stats().Malformed)
}

func TestListenerSurvivesReconnect(t *testing.T) {
	socket, out, _, _ := startListener(t, 10)

	first, err := net.Dial("unix", socket)
	require.NoError(t, err)
	fmt.Fprintln(first, wireLine("a", "198.51.100.1"))
	first.Close()

	require.Eventually(t, func() bool { return len(out) == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer second.Close()
	fmt.Fprintln(second, wireLine("b", "198.51.100.2"))

	require.Eventually(t, func() bool { return len(out) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestListenerRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "stale.sock")

	// A previous process left its socket behind.
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	ln.Close() // close but the file may persist on some systems

	l, err := NewListener(socket, 1, make(chan *model.Record, 1), testMetrics())
	require.NoError(t, err)
	l.ln.Close()
}

func TestEnqueueDropsWhenChannelStaysFull(t *testing.T) {
	met := testMetrics()
	out := make(chan *model.Record, 1)
	out <- &model.Record{} // fill it

	start := time.Now()
	ok := Enqueue(context.Background(), out, &model.Record{}, met, "pipe")
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, enqueueWait)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(1), met.Stats().Dropped)
}

func TestEnqueueOrderPreservedFromOneProducer(t *testing.T) {
	met := testMetrics()
	out := make(chan *model.Record, 16)

	for i := 0; i < 16; i++ {
		rec := &model.Record{CompanyID: fmt.Sprintf("%d", i)}
		require.True(t, Enqueue(context.Background(), out, rec, met, "pipe"))
	}
	for i := 0; i < 16; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), (<-out).CompanyID)
	}
}
