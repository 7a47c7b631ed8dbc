package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpixl/forge/internal/model"
)

func TestBotUAMatchesKnownCrawlers(t *testing.T) {
	b := NewBotUA()

	cases := []struct {
		ua   string
		name string
	}{
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", "Googlebot"},
		{"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)", "Bingbot"},
		{"Mozilla/5.0 (compatible; AhrefsBot/7.0; +http://ahrefs.com/robot/)", "AhrefsBot"},
		{"facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)", "Facebook"},
		{"curl/8.4.0", "curl"},
		{"python-requests/2.31.0", "python-requests"},
		{"Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/119.0.0.0", "HeadlessChrome"},
		{"SomeNewThing-bot v0.1", "Generic Crawler"},
	}

	for _, tc := range cases {
		name, ok := b.Match(tc.ua)
		require.True(t, ok, "expected %q to match", tc.ua)
		assert.Equal(t, tc.name, name)
	}
}

func TestBotUAIgnoresHumans(t *testing.T) {
	b := NewBotUA()

	humans := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1",
		// CUBOT is a phone brand; the catch-all must not fire on it.
		"Mozilla/5.0 (Linux; Android 11; CUBOT KINGKONG 5) AppleWebKit/537.36",
		"",
	}

	for _, ua := range humans {
		_, ok := b.Match(ua)
		assert.False(t, ok, "did not expect %q to match", ua)
	}
}

func TestBotUAAppendsServerKeys(t *testing.T) {
	b := NewBotUA()
	rec := &model.Record{UserAgent: "Googlebot/2.1 (+http://www.google.com/bot.html)"}

	require.NoError(t, b.Enrich(context.Background(), rec))

	assert.Equal(t, "1", rec.Param(KeyKnownBot))
	assert.Equal(t, "Googlebot", rec.Param(KeyBotName))
}

func TestBotUALeavesHumansUntouched(t *testing.T) {
	b := NewBotUA()
	rec := &model.Record{UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36", QueryString: "sw=2560&"}

	require.NoError(t, b.Enrich(context.Background(), rec))

	assert.False(t, rec.HasParam(KeyKnownBot))
	assert.Equal(t, "sw=2560&", rec.QueryString)
}
