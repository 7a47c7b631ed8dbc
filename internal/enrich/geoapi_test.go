package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

type fakeGeoStore struct {
	upserts []*IPGeoResult
	err     error
}

func (f *fakeGeoStore) UpsertIPGeo(_ context.Context, res *IPGeoResult) error {
	f.upserts = append(f.upserts, res)
	return f.err
}

func newGeoAPIServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status":"success","country":"United States","countryCode":"US",
			"region":"VA","city":"Ashburn","lat":39.03,"lon":-77.5,
			"isp":"Google LLC","org":"Google Public DNS","as":"AS15169 Google LLC",
			"proxy":false,"hosting":true,"query":"8.8.8.8"}`))
	}))
}

func TestGeoAPILooksUpUnknownIP(t *testing.T) {
	srv := newGeoAPIServer(t, nil)
	defer srv.Close()

	store := &fakeGeoStore{}
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	g := NewGeoAPI(srv.URL, store, 90, clk)

	rec := &model.Record{IPAddress: "8.8.8.8"}
	require.NoError(t, g.Enrich(context.Background(), rec))

	assert.Equal(t, "US", rec.Param(KeyGeoCountry))
	assert.Equal(t, "Google LLC", rec.Param(KeyIPISP))
	assert.Equal(t, "AS15169", rec.Param(KeyASN))
	assert.Equal(t, "Google LLC", rec.Param(KeyASNOrg))
	assert.Equal(t, "1", rec.Param(KeyIPHosting))
	assert.False(t, rec.HasParam(KeyIPProxy))

	require.Len(t, store.upserts, 1)
	assert.Equal(t, "8.8.8.8", store.upserts[0].IP)
	assert.Equal(t, 1, g.Len())
}

func TestGeoAPISkipsRecentlySeenIP(t *testing.T) {
	var hits atomic.Int64
	srv := newGeoAPIServer(t, &hits)
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	g := NewGeoAPI(srv.URL, nil, 90, clk)
	g.Add("8.8.8.8", clk.Now().Add(-89*24*time.Hour))

	var outcomes []string
	g.OnOutcome = func(o string) { outcomes = append(outcomes, o) }

	rec := &model.Record{IPAddress: "8.8.8.8"}
	require.NoError(t, g.Enrich(context.Background(), rec))

	assert.Equal(t, int64(0), hits.Load())
	assert.Equal(t, []string{"cache_hit"}, outcomes)
	assert.False(t, rec.HasParam(KeyGeoCountry))
}

func TestGeoAPIRefreshesStaleIP(t *testing.T) {
	var hits atomic.Int64
	srv := newGeoAPIServer(t, &hits)
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	g := NewGeoAPI(srv.URL, nil, 90, clk)
	g.Add("8.8.8.8", clk.Now().Add(-91*24*time.Hour))

	rec := &model.Record{IPAddress: "8.8.8.8"}
	require.NoError(t, g.Enrich(context.Background(), rec))
	assert.Equal(t, int64(1), hits.Load())
}

func TestGeoAPISkipsPrivateAndInvalidIPs(t *testing.T) {
	var hits atomic.Int64
	srv := newGeoAPIServer(t, &hits)
	defer srv.Close()

	g := NewGeoAPI(srv.URL, nil, 90, nil)
	for _, ip := range []string{"10.1.2.3", "192.168.0.1", "127.0.0.1", "not-an-ip", ""} {
		rec := &model.Record{IPAddress: ip}
		require.NoError(t, g.Enrich(context.Background(), rec))
	}
	assert.Equal(t, int64(0), hits.Load())
}

func TestGeoAPIRejectedLookupIsStepError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range","query":"224.0.0.1"}`))
	}))
	defer srv.Close()

	g := NewGeoAPI(srv.URL, nil, 90, nil)
	rec := &model.Record{IPAddress: "224.0.0.1"}

	err := g.Enrich(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved range")
}

func TestGeoAPIStoreFailureDoesNotFailStep(t *testing.T) {
	srv := newGeoAPIServer(t, nil)
	defer srv.Close()

	store := &fakeGeoStore{err: assert.AnError}
	g := NewGeoAPI(srv.URL, store, 90, nil)

	rec := &model.Record{IPAddress: "8.8.4.4"}
	require.NoError(t, g.Enrich(context.Background(), rec))
	assert.Equal(t, "US", rec.Param(KeyGeoCountry))
}

func TestGeoAPIRateLimitTimeoutSkips(t *testing.T) {
	srv := newGeoAPIServer(t, nil)
	defer srv.Close()

	g := NewGeoAPI(srv.URL, nil, 90, nil)
	g.maxWait = 10 * time.Millisecond
	// Exhaust the burst token so the next call must wait a full interval.
	require.True(t, g.limiter.Allow())

	var outcomes []string
	g.OnOutcome = func(o string) { outcomes = append(outcomes, o) }

	rec := &model.Record{IPAddress: "8.8.8.8"}
	err := g.Enrich(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, []string{"limited"}, outcomes)
}

func TestGeoAPILimiterInterval(t *testing.T) {
	g := NewGeoAPI("http://example.invalid", nil, 90, nil)
	assert.Equal(t, rate.Every(2100*time.Millisecond), g.limiter.Limit())
	assert.Equal(t, 1, g.limiter.Burst())
}
