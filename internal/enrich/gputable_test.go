package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupGPUMatchesRendererStrings(t *testing.T) {
	e, ok := lookupGPU("ANGLE (NVIDIA GeForce RTX 4070 Direct3D11)")
	require.True(t, ok)
	assert.Equal(t, TierHigh, e.tier)
	assert.Equal(t, 2022, e.year)

	e, ok = lookupGPU("AMD Radeon RX 580 Series")
	require.True(t, ok)
	assert.Equal(t, TierMid, e.tier)

	_, ok = lookupGPU("")
	assert.False(t, ok)
}

func TestGPUTableEveryPatternIsReachable(t *testing.T) {
	// The table is walked in order, so a row whose pattern contains an
	// earlier row's pattern can never match.
	for i, want := range gpuTable {
		got, ok := lookupGPU(want.pattern)
		require.True(t, ok, "pattern %q (row %d) matched nothing", want.pattern, i)
		assert.Equal(t, want, got, "pattern %q (row %d) is shadowed by an earlier row", want.pattern, i)
	}
}
