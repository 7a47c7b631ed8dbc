package enrich

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

func deadNetRecord(company, fp string, extra map[string]string) *model.Record {
	rec := &model.Record{CompanyID: company}
	if fp != "" {
		rec.AppendParam("fp", fp)
	}
	for k, v := range extra {
		rec.AppendParam(k, v)
	}
	return rec
}

func TestDeadInternetBelowMinimumHitsNoIndex(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	for i := 0; i < 4; i++ {
		rec := deadNetRecord("42", fmt.Sprintf("fp_%d", i), nil)
		require.NoError(t, d.Enrich(context.Background(), rec))
		assert.False(t, rec.HasParam(KeyDeadInternet))
	}
}

func TestDeadInternetHealthyTrafficScoresLow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	var last *model.Record
	for i := 0; i < 10; i++ {
		last = deadNetRecord("42", fmt.Sprintf("fp_%d", i), map[string]string{
			ParamMouseMoves: "40",
		})
		require.NoError(t, d.Enrich(context.Background(), last))
	}

	// All human: ten hits, ten fingerprints, no bot signals.
	assert.Equal(t, "0", last.Param(KeyDeadInternet))
}

func TestDeadInternetBotFarmScoresHigh(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	var last *model.Record
	for i := 0; i < 10; i++ {
		// One shared fingerprint, declared bot, datacenter IP, no mouse.
		last = deadNetRecord("42", "fp_shared", map[string]string{
			KeyKnownBot:     "1",
			KeyIsCloud:      "1",
			ParamMouseMoves: "0",
		})
		require.NoError(t, d.Enrich(context.Background(), last))
	}

	// bot 1.0, zeroEngage 1.0, datacenter 1.0, contradiction 0,
	// fpDiversity 1-1/10=0.9: 100*(0.30+0.20+0.20+0+0.135) = 84.
	assert.Equal(t, "84", last.Param(KeyDeadInternet))
}

func TestDeadInternetWindowExcludesOldBuckets(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Enrich(context.Background(), deadNetRecord("42", "fp_bot", map[string]string{KeyKnownBot: "1"})))
	}

	clk.Advance(25 * time.Hour)
	rec := deadNetRecord("42", "fp_new", map[string]string{ParamMouseMoves: "10"})
	require.NoError(t, d.Enrich(context.Background(), rec))

	// Yesterday's bot storm fell out of the window; one hit is below the gate.
	assert.False(t, rec.HasParam(KeyDeadInternet))
}

func TestDeadInternetEviction(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	require.NoError(t, d.Enrich(context.Background(), deadNetRecord("42", "fp", nil)))
	require.NoError(t, d.Enrich(context.Background(), deadNetRecord("43", "fp", nil)))
	require.Equal(t, 2, d.Len())

	clk.Advance(49 * time.Hour)
	d.Evict()

	assert.Equal(t, 0, d.Len())
}

func TestDeadInternetTenantsAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	d := NewDeadInternet(clk)

	for i := 0; i < 6; i++ {
		require.NoError(t, d.Enrich(context.Background(), deadNetRecord("bots", "fp_shared", map[string]string{KeyKnownBot: "1", ParamMouseMoves: "0"})))
	}
	rec := deadNetRecord("humans", "fp_h1", map[string]string{ParamMouseMoves: "30"})
	require.NoError(t, d.Enrich(context.Background(), rec))

	idx, ok := d.Index("bots")
	require.True(t, ok)
	assert.Greater(t, idx, 50)
	assert.False(t, rec.HasParam(KeyDeadInternet))
}
