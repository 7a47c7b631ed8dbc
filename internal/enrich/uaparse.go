package enrich

import (
	"context"
	"strings"

	ua "github.com/mileusna/useragent"

	"github.com/smartpixl/forge/internal/model"
)

// UAParse extracts browser, OS and device fields from the user agent.
// Two passes: the useragent library yields browser/OS family and version;
// a second heuristic pass fills device type, brand and model, and patches
// the cases the library leaves blank. Null input yields a null result,
// never an error.
type UAParse struct{}

// NewUAParse returns the UA parsing step.
func NewUAParse() *UAParse { return &UAParse{} }

func (u *UAParse) Name() string { return "ua_parse" }

// ParsedUA is the seven-field result of the two-pass parse.
type ParsedUA struct {
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
	DeviceType     string // desktop, mobile, tablet, bot
	DeviceBrand    string
	DeviceModel    string
}

// osNames maps library OS families to the names the downstream ETL and the
// dashboards have always grouped by.
var osNames = map[string]string{
	ua.MacOS: "Mac OS X",
}

func (u *UAParse) Parse(userAgent string) ParsedUA {
	if userAgent == "" {
		return ParsedUA{}
	}

	parsed := ua.Parse(userAgent)
	out := ParsedUA{
		Browser:        parsed.Name,
		BrowserVersion: parsed.Version,
		OS:             parsed.OS,
		OSVersion:      parsed.OSVersion,
		DeviceModel:    parsed.Device,
	}

	if mapped, ok := osNames[out.OS]; ok {
		out.OS = mapped
	}

	switch {
	case parsed.Bot:
		out.DeviceType = "bot"
	case parsed.Tablet:
		out.DeviceType = "tablet"
	case parsed.Mobile:
		out.DeviceType = "mobile"
	case parsed.Desktop:
		out.DeviceType = "desktop"
	}

	u.secondPass(userAgent, &out)
	return out
}

// secondPass fills the gaps the primary parser leaves: frozen-WebKit
// Chromium builds that omit the product token, device brand inference,
// and a device type for unclassified agents.
func (u *UAParse) secondPass(userAgent string, out *ParsedUA) {
	lower := strings.ToLower(userAgent)

	// WebKit 537.36 is frozen: any agent carrying it without a browser
	// product token is a Chromium build with the token stripped.
	if out.Browser == "" && strings.Contains(userAgent, "AppleWebKit/537.36") {
		out.Browser = "Chrome"
	}

	if out.DeviceBrand == "" {
		switch {
		case strings.Contains(lower, "iphone"):
			out.DeviceBrand, out.DeviceModel = "Apple", orDefault(out.DeviceModel, "iPhone")
		case strings.Contains(lower, "ipad"):
			out.DeviceBrand, out.DeviceModel = "Apple", orDefault(out.DeviceModel, "iPad")
		case strings.Contains(lower, "macintosh"):
			out.DeviceBrand = "Apple"
		case strings.Contains(lower, "samsung") || strings.Contains(lower, "sm-"):
			out.DeviceBrand = "Samsung"
		case strings.Contains(lower, "pixel"):
			out.DeviceBrand = "Google"
		case strings.Contains(lower, "huawei"):
			out.DeviceBrand = "Huawei"
		case strings.Contains(lower, "xiaomi") || strings.Contains(lower, "redmi"):
			out.DeviceBrand = "Xiaomi"
		case strings.Contains(lower, "oneplus"):
			out.DeviceBrand = "OnePlus"
		case strings.Contains(lower, "windows"):
			out.DeviceBrand = "PC"
		}
	}

	if out.DeviceType == "" {
		switch {
		case strings.Contains(lower, "mobile") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
			out.DeviceType = "mobile"
		case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
			out.DeviceType = "tablet"
		default:
			out.DeviceType = "desktop"
		}
	}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (u *UAParse) Enrich(_ context.Context, rec *model.Record) error {
	if rec.UserAgent == "" {
		return nil
	}

	parsed := u.Parse(rec.UserAgent)
	appendNonEmpty(rec, KeyBrowser, parsed.Browser)
	appendNonEmpty(rec, KeyBrowserVer, parsed.BrowserVersion)
	appendNonEmpty(rec, KeyOS, parsed.OS)
	appendNonEmpty(rec, KeyOSVer, parsed.OSVersion)
	appendNonEmpty(rec, KeyDeviceType, parsed.DeviceType)
	appendNonEmpty(rec, KeyDeviceBrand, parsed.DeviceBrand)
	appendNonEmpty(rec, KeyDeviceModel, parsed.DeviceModel)
	return nil
}

func appendNonEmpty(rec *model.Record, key, value string) {
	if value == "" {
		return
	}
	rec.AppendParam(key, value)
}
