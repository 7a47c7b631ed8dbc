package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/model"
)

type fakeResolver struct {
	names []string
	err   error
	delay time.Duration
}

func (f *fakeResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.names, f.err
}

func TestRDNSAppendsHostname(t *testing.T) {
	d := NewRDNSWithResolver(&fakeResolver{names: []string{"dns.google."}})
	rec := &model.Record{IPAddress: "8.8.8.8"}

	require.NoError(t, d.Enrich(context.Background(), rec))

	assert.Equal(t, "dns.google", rec.Param(KeyHostname))
	assert.False(t, rec.HasParam(KeyIsCloud))
}

func TestRDNSFlagsCloudHost(t *testing.T) {
	d := NewRDNSWithResolver(&fakeResolver{names: []string{"ec2-3-91-12-8.compute-1.amazonaws.com."}})
	rec := &model.Record{IPAddress: "3.91.12.8"}

	require.NoError(t, d.Enrich(context.Background(), rec))

	assert.Equal(t, "1", rec.Param(KeyIsCloud))
	assert.Equal(t, "AWS", rec.Param(KeyCloudProvider))
}

func TestRDNSTimeoutIsNotAnError(t *testing.T) {
	d := NewRDNSWithResolver(&fakeResolver{names: []string{"late.example.com."}, delay: 5 * time.Second})
	d.timeout = 20 * time.Millisecond
	rec := &model.Record{IPAddress: "192.0.2.10"}

	require.NoError(t, d.Enrich(context.Background(), rec))
	assert.False(t, rec.HasParam(KeyHostname))
}

func TestRDNSLookupFailureIsEmptyResult(t *testing.T) {
	d := NewRDNSWithResolver(&fakeResolver{err: errors.New("nxdomain")})
	rec := &model.Record{IPAddress: "192.0.2.11"}

	require.NoError(t, d.Enrich(context.Background(), rec))
	assert.False(t, rec.HasParam(KeyHostname))
}

func TestRDNSSkipsUnparseableIP(t *testing.T) {
	d := NewRDNSWithResolver(&fakeResolver{names: []string{"should-not-run."}})
	rec := &model.Record{IPAddress: "not-an-ip"}

	require.NoError(t, d.Enrich(context.Background(), rec))
	assert.False(t, rec.HasParam(KeyHostname))
}

func TestClassifyProviders(t *testing.T) {
	cases := map[string]string{
		"ec2-54-1-2-3.compute-1.amazonaws.com":        "AWS",
		"123.45.67.89.bc.googleusercontent.com":       "GCP",
		"vm1.westus.cloudapp.azure.com":               "Azure",
		"static.241.12.23.116.clients.your-server.de": "Hetzner",
		"li1234-56.members.linode.com":                "Linode",
	}
	for host, want := range cases {
		got, ok := Classify(host)
		require.True(t, ok, host)
		assert.Equal(t, want, got)
	}

	_, ok := Classify("broadband.bellsouth.net")
	assert.False(t, ok)
}
