package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWireLine(t *testing.T) {
	line := []byte(`{"CompanyID":"42","PiXLID":"7","IPAddress":"8.8.8.8",` +
		`"UserAgent":"Mozilla/5.0","Referer":"https://example.com",` +
		`"QueryString":"sw=2560&sh=1440","RequestPath":"/pixel/42/7",` +
		`"HeadersJson":"{}","ReceivedAt":"2026-01-02T15:04:05Z"}`)

	rec, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.CompanyID)
	assert.Equal(t, "7", rec.PixelID)
	assert.Equal(t, "8.8.8.8", rec.IPAddress)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), rec.ReceivedAt)
	assert.Equal(t, "2560", rec.Param("sw"))
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"CompanyID": "42"`))
	require.Error(t, err)
}

func TestDecodeTruncatesOversizedHeaders(t *testing.T) {
	ua := strings.Repeat("x", MaxHeaderFieldLen+500)
	line := []byte(`{"UserAgent":"` + ua + `","ReceivedAt":"2026-01-02T15:04:05Z"}`)

	rec, err := Decode(line)
	require.NoError(t, err)
	assert.Len(t, rec.UserAgent, MaxHeaderFieldLen)
}

func TestAppendParamGrowsQueryString(t *testing.T) {
	rec := &Record{QueryString: "sw=2560"}

	require.True(t, rec.AppendParam("_srv_browser", "Chrome"))
	assert.Equal(t, "sw=2560&_srv_browser=Chrome&", rec.QueryString)
	assert.Equal(t, "Chrome", rec.Param("_srv_browser"))
	assert.Equal(t, "2560", rec.Param("sw"))
}

func TestAppendParamEncodesValues(t *testing.T) {
	rec := &Record{}

	require.True(t, rec.AppendParam("_srv_asnOrg", "Google LLC & Co"))
	assert.Contains(t, rec.QueryString, "_srv_asnOrg=Google+LLC+%26+Co&")
	assert.Equal(t, "Google LLC & Co", rec.Param("_srv_asnOrg"))
}

func TestAppendParamServerKeysAreWriteOnce(t *testing.T) {
	rec := &Record{}

	require.True(t, rec.AppendParam("_srv_country", "US"))
	assert.False(t, rec.AppendParam("_srv_country", "DE"))
	assert.Equal(t, "US", rec.Param("_srv_country"))
	assert.Equal(t, 1, strings.Count(rec.QueryString, "_srv_country"))
}

func TestAppendParamEnforcesCap(t *testing.T) {
	rec := &Record{}
	rec.SetQueryCap(64)

	require.True(t, rec.AppendParam("_srv_a", strings.Repeat("v", 30)))
	assert.False(t, rec.AppendParam("_srv_b", strings.Repeat("v", 40)))
	assert.Equal(t, 1, rec.TruncatedAppends())
	assert.False(t, rec.HasParam("_srv_b"))
}

func TestQueryStringSupersetAfterAppends(t *testing.T) {
	rec := &Record{QueryString: "sw=2560&sh=1440&gpu=Apple+M1"}
	before := rec.Clone().ParamKeys()

	rec.AppendParam("_srv_browser", "Chrome")
	rec.AppendParam("_srv_os", "Mac OS X")

	after := rec.ParamKeys()
	for k := range before {
		_, ok := after[k]
		assert.True(t, ok, "key %q lost during enrichment", k)
	}
	assert.Greater(t, len(after), len(before))
}

func TestEmptyQueryStringStillAppends(t *testing.T) {
	rec := &Record{}

	require.True(t, rec.AppendParam("_srv_leadScore", "85"))
	assert.Equal(t, "_srv_leadScore=85&", rec.QueryString)
}

func TestFingerprintReadsFpKey(t *testing.T) {
	rec := &Record{QueryString: "fp=fp_abc123&sw=1920"}
	assert.Equal(t, "fp_abc123", rec.Fingerprint())
}

func TestEncodeRoundTrip(t *testing.T) {
	rec := &Record{
		CompanyID:  "42",
		PixelID:    "7",
		IPAddress:  "1.2.3.4",
		ReceivedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	rec.AppendParam("_srv_knownBot", "1")

	raw, err := rec.Encode()
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.CompanyID, back.CompanyID)
	assert.Equal(t, "1", back.Param("_srv_knownBot"))
	assert.True(t, rec.ReceivedAt.Equal(back.ReceivedAt))
}
