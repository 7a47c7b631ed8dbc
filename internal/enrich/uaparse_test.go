package enrich

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/model"
)

func TestUAParseDesktopChrome(t *testing.T) {
	p := NewUAParse()
	out := p.Parse("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	assert.Equal(t, "Chrome", out.Browser)
	assert.True(t, strings.HasPrefix(out.BrowserVersion, "120"))
	assert.Equal(t, "Windows", out.OS)
	assert.Equal(t, "desktop", out.DeviceType)
	assert.Equal(t, "PC", out.DeviceBrand)
}

func TestUAParseFrozenWebKitFallsBackToChrome(t *testing.T) {
	p := NewUAParse()
	out := p.Parse("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")

	assert.Equal(t, "Chrome", out.Browser)
	assert.Equal(t, "Mac OS X", out.OS)
	assert.Equal(t, "desktop", out.DeviceType)
	assert.Equal(t, "Apple", out.DeviceBrand)
}

func TestUAParseIPhoneSafari(t *testing.T) {
	p := NewUAParse()
	out := p.Parse("Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1")

	assert.Equal(t, "Safari", out.Browser)
	assert.Equal(t, "iOS", out.OS)
	assert.Equal(t, "mobile", out.DeviceType)
	assert.Equal(t, "Apple", out.DeviceBrand)
	assert.Equal(t, "iPhone", out.DeviceModel)
}

func TestUAParseEmptyInputIsNullResult(t *testing.T) {
	p := NewUAParse()
	out := p.Parse("")
	assert.Equal(t, ParsedUA{}, out)
}

func TestUAParseAppendsSevenFields(t *testing.T) {
	p := NewUAParse()
	rec := &model.Record{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"}

	require.NoError(t, p.Enrich(context.Background(), rec))

	assert.Equal(t, "Chrome", rec.Param(KeyBrowser))
	assert.Equal(t, "Windows", rec.Param(KeyOS))
	assert.Equal(t, "desktop", rec.Param(KeyDeviceType))
}

func TestUAParseSkipsEmptyUserAgent(t *testing.T) {
	p := NewUAParse()
	rec := &model.Record{QueryString: "sw=100&"}

	require.NoError(t, p.Enrich(context.Background(), rec))
	assert.Equal(t, "sw=100&", rec.QueryString)
}
