package enrich

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/model"
)

// startWhoisServer serves one canned response per connection.
func startWhoisServer(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				_, _ = c.Read(buf) // consume the query line
				_, _ = c.Write([]byte(response))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

const radbResponse = "route:      8.8.8.0/24\r\n" +
	"descr:      Google\r\n" +
	"origin:     AS15169\r\n" +
	"mnt-by:     MAINT-AS15169\r\n" +
	"source:     RADB\r\n"

func TestWhoisExtractsASNAndOrg(t *testing.T) {
	addr := startWhoisServer(t, radbResponse)
	w := NewWhois(addr)

	rec := &model.Record{IPAddress: "8.8.8.8"}
	require.NoError(t, w.Enrich(context.Background(), rec))

	assert.Equal(t, "AS15169", rec.Param(KeyASN))
	assert.Equal(t, "Google", rec.Param(KeyASNOrg))
}

func TestWhoisSkipsWhenASNAlreadyKnown(t *testing.T) {
	w := NewWhois("127.0.0.1:1") // would fail if dialed
	rec := &model.Record{IPAddress: "8.8.8.8"}
	rec.AppendParam(KeyASN, "AS15169")

	require.NoError(t, w.Enrich(context.Background(), rec))
}

func TestWhoisSkipsUnparseableIP(t *testing.T) {
	w := NewWhois("127.0.0.1:1")
	rec := &model.Record{IPAddress: "nope"}
	require.NoError(t, w.Enrich(context.Background(), rec))
}

func TestWhoisDialFailureIsStepError(t *testing.T) {
	w := NewWhois("127.0.0.1:1")
	w.timeout = 200 * time.Millisecond
	rec := &model.Record{IPAddress: "8.8.8.8"}

	err := w.Enrich(context.Background(), rec)
	assert.Error(t, err)
	assert.False(t, rec.HasParam(KeyASN))
}

func TestNormalizeASN(t *testing.T) {
	assert.Equal(t, "AS15169", normalizeASN("AS15169"))
	assert.Equal(t, "AS15169", normalizeASN("as15169"))
	assert.Equal(t, "AS15169", normalizeASN("15169"))
	assert.Equal(t, "", normalizeASN("  "))
}
