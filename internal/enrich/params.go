package enrich

import (
	"strconv"

	"github.com/smartpixl/forge/internal/model"
)

// Client-side parameter names. The capture script writes these; the edge
// passes them through untouched inside QueryString.
const (
	ParamScreenW      = "sw"
	ParamScreenH      = "sh"
	ParamViewportW    = "vw"
	ParamViewportH    = "vh"
	ParamCores        = "cores"
	ParamMemory       = "mem"
	ParamGPU          = "gpu"
	ParamPlatform     = "plt"
	ParamTimezone     = "tz"
	ParamTZOffset     = "tzo"
	ParamLanguage     = "lang"
	ParamFonts        = "fonts"
	ParamCalendar     = "cal"
	ParamDecimalSep   = "dec"
	ParamDateSample   = "dateFmt"
	ParamRelTime      = "rtf"
	ParamMouseMoves   = "mouseMoves"
	ParamMouseEntropy = "mouseEntropy"
	ParamMousePath    = "mm"
	ParamKeys         = "keys"
	ParamScroll       = "scroll"
	ParamTouch        = "touch"
	ParamMaxTouch     = "maxTouch"
	ParamCookies      = "cookies"
	ParamLocalStore   = "ls"
	ParamWebdriver    = "webdriver"
	ParamColorDepth   = "colorDepth"
	ParamFingerprint  = "fp"
)

// Server-side keys appended by the chain, in step order.
const (
	KeyKnownBot           = "_srv_knownBot"
	KeyBotName            = "_srv_botName"
	KeyBrowser            = "_srv_browser"
	KeyBrowserVer         = "_srv_browserVer"
	KeyOS                 = "_srv_os"
	KeyOSVer              = "_srv_osVer"
	KeyDeviceType         = "_srv_deviceType"
	KeyDeviceBrand        = "_srv_deviceBrand"
	KeyDeviceModel        = "_srv_deviceModel"
	KeyHostname           = "_srv_hostname"
	KeyIsCloud            = "_srv_isCloud"
	KeyCloudProvider      = "_srv_cloudProvider"
	KeyGeoCountry         = "_srv_geoCountry"
	KeyGeoRegion          = "_srv_geoRegion"
	KeyGeoCity            = "_srv_geoCity"
	KeyGeoLat             = "_srv_geoLat"
	KeyGeoLon             = "_srv_geoLon"
	KeyASN                = "_srv_asn"
	KeyASNOrg             = "_srv_asnOrg"
	KeyIPISP              = "_srv_ipIsp"
	KeyIPProxy            = "_srv_ipProxy"
	KeyIPHosting          = "_srv_ipHosting"
	KeySessionID          = "_srv_sessionId"
	KeySessionHitNum      = "_srv_sessionHitNum"
	KeySessionDuration    = "_srv_sessionDurationSec"
	KeySessionPages       = "_srv_sessionPages"
	KeyCrossCustHits      = "_srv_crossCustHits"
	KeyCrossCustWindow    = "_srv_crossCustWindow"
	KeyCrossCustAlert     = "_srv_crossCustAlert"
	KeyAffluence          = "_srv_affluence"
	KeyAffluenceScore     = "_srv_affluenceScore"
	KeyGPUTier            = "_srv_gpuTier"
	KeyContradictions     = "_srv_contradictions"
	KeyContradictionRules = "_srv_contradictionRules"
	KeyCulturalScore      = "_srv_culturalScore"
	KeyCulturalFlags      = "_srv_culturalFlags"
	KeyDeviceYear         = "_srv_deviceYear"
	KeyDeviceAge          = "_srv_deviceAge"
	KeyDeviceAnomaly      = "_srv_deviceAnomaly"
	KeyReplay             = "_srv_replay"
	KeyReplayHash         = "_srv_replayHash"
	KeyDeadInternet       = "_srv_deadInternetIndex"
	KeyLeadScore          = "_srv_leadScore"
)

// intParam reads a client parameter as an integer.
func intParam(rec *model.Record, name string) (int, bool) {
	v := rec.Param(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// floatParam reads a client parameter as a float.
func floatParam(rec *model.Record, name string) (float64, bool) {
	v := rec.Param(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// flagParam reads a client parameter as a boolean flag.
func flagParam(rec *model.Record, name string) bool {
	v := rec.Param(name)
	return v == "1" || v == "true"
}
