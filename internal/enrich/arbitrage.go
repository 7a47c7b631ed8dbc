package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/forge/internal/model"
)

// countryNorms is what a browser configured by a genuine resident of the
// country usually reports. Coarse on purpose: every check tolerates the
// common legitimate variations, and a check that cannot be evaluated for a
// record never penalizes it.
type countryNorms struct {
	languages []string // ISO 639-1 primary subtags, majority first
	offMin    int      // JS getTimezoneOffset() bounds, minutes west of UTC
	offMax    int
	decComma  bool   // decimal separator is a comma
	dateOrder string // MDY, DMY or YMD
	calendar  string // expected BCP-47 calendar prefix, "" = gregory
	cjk       bool   // installed fonts should include a CJK face
}

var countryTable = map[string]countryNorms{
	"US": {[]string{"en", "es"}, 240, 600, false, "MDY", "", false},
	"CA": {[]string{"en", "fr"}, 150, 480, false, "DMY", "", false},
	"GB": {[]string{"en"}, -60, 0, false, "DMY", "", false},
	"IE": {[]string{"en", "ga"}, -60, 0, false, "DMY", "", false},
	"AU": {[]string{"en"}, -660, -480, false, "DMY", "", false},
	"NZ": {[]string{"en", "mi"}, -780, -720, false, "DMY", "", false},
	"DE": {[]string{"de"}, -120, -60, true, "DMY", "", false},
	"AT": {[]string{"de"}, -120, -60, true, "DMY", "", false},
	"CH": {[]string{"de", "fr", "it"}, -120, -60, true, "DMY", "", false},
	"FR": {[]string{"fr"}, -120, -60, true, "DMY", "", false},
	"BE": {[]string{"nl", "fr"}, -120, -60, true, "DMY", "", false},
	"NL": {[]string{"nl"}, -120, -60, true, "DMY", "", false},
	"ES": {[]string{"es", "ca"}, -120, -60, true, "DMY", "", false},
	"PT": {[]string{"pt"}, -60, 0, true, "DMY", "", false},
	"IT": {[]string{"it"}, -120, -60, true, "DMY", "", false},
	"PL": {[]string{"pl"}, -120, -60, true, "DMY", "", false},
	"CZ": {[]string{"cs"}, -120, -60, true, "DMY", "", false},
	"SE": {[]string{"sv"}, -120, -60, true, "YMD", "", false},
	"NO": {[]string{"no", "nb"}, -120, -60, true, "DMY", "", false},
	"DK": {[]string{"da"}, -120, -60, true, "DMY", "", false},
	"FI": {[]string{"fi", "sv"}, -180, -120, true, "DMY", "", false},
	"GR": {[]string{"el"}, -180, -120, true, "DMY", "", false},
	"RU": {[]string{"ru"}, -720, -120, true, "DMY", "", false},
	"UA": {[]string{"uk", "ru"}, -180, -120, true, "DMY", "", false},
	"TR": {[]string{"tr"}, -180, -180, true, "DMY", "", false},
	"MX": {[]string{"es"}, 300, 480, false, "DMY", "", false},
	"AR": {[]string{"es"}, 180, 180, true, "DMY", "", false},
	"BR": {[]string{"pt"}, 120, 300, true, "DMY", "", false},
	"CL": {[]string{"es"}, 180, 300, true, "DMY", "", false},
	"JP": {[]string{"ja"}, -540, -540, false, "YMD", "", true},
	"CN": {[]string{"zh"}, -480, -480, false, "YMD", "", true},
	"TW": {[]string{"zh"}, -480, -480, false, "YMD", "", true},
	"HK": {[]string{"zh", "en"}, -480, -480, false, "DMY", "", true},
	"KR": {[]string{"ko"}, -540, -540, false, "YMD", "", true},
	"IN": {[]string{"hi", "en"}, -330, -330, false, "DMY", "", false},
	"TH": {[]string{"th"}, -420, -420, false, "DMY", "buddhist", false},
	"VN": {[]string{"vi"}, -420, -420, true, "DMY", "", false},
	"ID": {[]string{"id"}, -540, -420, true, "DMY", "", false},
	"PH": {[]string{"en", "tl", "fil"}, -480, -480, false, "MDY", "", false},
	"SG": {[]string{"en", "zh", "ms"}, -480, -480, false, "DMY", "", false},
	"MY": {[]string{"ms", "en"}, -480, -480, false, "DMY", "", false},
	"SA": {[]string{"ar"}, -180, -180, false, "DMY", "islamic", false},
	"AE": {[]string{"ar", "en"}, -240, -240, false, "DMY", "", false},
	"IL": {[]string{"he", "ar"}, -180, -120, false, "DMY", "", false},
	"EG": {[]string{"ar"}, -120, -120, false, "DMY", "", false},
	"ZA": {[]string{"en", "af", "zu"}, -120, -120, true, "YMD", "", false},
	"NG": {[]string{"en"}, -60, -60, false, "DMY", "", false},
	"IR": {[]string{"fa"}, -210, -210, true, "YMD", "persian", false},
}

// cjkFontMarkers are faces present on essentially every machine genuinely
// localized for a CJK market.
var cjkFontMarkers = []string{
	"ms mincho", "ms gothic", "meiryo", "yu gothic", "hiragino",
	"simsun", "simhei", "microsoft yahei", "pingfang",
	"malgun gothic", "batang", "gulim", "apple sd gothic",
	"mingliu", "pmingliu", "noto sans cjk",
}

// Arbitrage compares the browser's declared locale surface against the
// country the IP resolves to. Visitors routing through another country's
// proxy carry their real locale with them; the checks catch the seams.
// Score is 0-100, higher meaning more internally consistent.
type Arbitrage struct{}

func NewArbitrage() *Arbitrage { return &Arbitrage{} }

func (a *Arbitrage) Name() string { return "arbitrage" }

type arbCheck struct {
	name   string
	weight int
	// eval returns (passed, evaluable). Non-evaluable checks are skipped.
	eval func(rec *model.Record, norms countryNorms) (bool, bool)
}

var arbChecks = []arbCheck{
	{"fonts", 10, checkFonts},
	{"language", 20, checkLanguage},
	{"timezone", 20, checkTimezone},
	{"calendar", 10, checkCalendar},
	{"numberFormat", 15, checkNumberFormat},
	{"dateFormat", 15, checkDateFormat},
	{"relativeTime", 10, checkRelativeTime},
}

func (a *Arbitrage) Enrich(_ context.Context, rec *model.Record) error {
	norms, known := countryTable[strings.ToUpper(rec.Param(KeyGeoCountry))]

	score := 100
	var flags []string
	if known {
		for _, check := range arbChecks {
			passed, evaluable := check.eval(rec, norms)
			if evaluable && !passed {
				score -= check.weight
				flags = append(flags, check.name)
			}
		}
	}
	if score < 0 {
		score = 0
	}

	rec.AppendParam(KeyCulturalScore, strconv.Itoa(score))
	if len(flags) > 0 {
		rec.AppendParam(KeyCulturalFlags, strings.Join(flags, ","))
	}
	return nil
}

func checkFonts(rec *model.Record, norms countryNorms) (bool, bool) {
	fonts := strings.ToLower(rec.Param(ParamFonts))
	if fonts == "" || !norms.cjk {
		return true, fonts != ""
	}
	for _, marker := range cjkFontMarkers {
		if strings.Contains(fonts, marker) {
			return true, true
		}
	}
	return false, true
}

func checkLanguage(rec *model.Record, norms countryNorms) (bool, bool) {
	lang := primarySubtag(rec.Param(ParamLanguage))
	if lang == "" {
		return true, false
	}
	// English is the web's working language; its presence alone proves
	// nothing about residence anywhere.
	if lang == "en" {
		return true, true
	}
	for _, l := range norms.languages {
		if lang == l {
			return true, true
		}
	}
	return false, true
}

func checkTimezone(rec *model.Record, norms countryNorms) (bool, bool) {
	off, ok := intParam(rec, ParamTZOffset)
	if !ok {
		return true, false
	}
	// One hour of slack on each side absorbs DST transitions.
	return off >= norms.offMin-60 && off <= norms.offMax+60, true
}

func checkCalendar(rec *model.Record, norms countryNorms) (bool, bool) {
	cal := strings.ToLower(rec.Param(ParamCalendar))
	if cal == "" {
		return true, false
	}
	if norms.calendar == "" {
		return cal == "gregory" || cal == "gregorian" || cal == "iso8601", true
	}
	// Countries with a civil non-Gregorian calendar still see plenty of
	// Gregorian-configured browsers; only the reverse direction is odd.
	return true, true
}

func checkNumberFormat(rec *model.Record, norms countryNorms) (bool, bool) {
	sep := rec.Param(ParamDecimalSep)
	if sep == "" {
		return true, false
	}
	if norms.decComma {
		return sep == ",", true
	}
	return sep == ".", true
}

// checkDateFormat infers field order from the formatted probe date the
// capture script emits and compares it to the country's convention.
func checkDateFormat(rec *model.Record, norms countryNorms) (bool, bool) {
	sample := rec.Param(ParamDateSample)
	if sample == "" {
		return true, false
	}
	order := inferDateOrder(sample)
	if order == "" {
		return true, false
	}
	return order == norms.dateOrder, true
}

func checkRelativeTime(rec *model.Record, norms countryNorms) (bool, bool) {
	loc := strings.ToLower(rec.Param(ParamRelTime))
	if loc == "" {
		return true, false
	}
	lang := primarySubtag(loc)
	if lang == "en" {
		return true, true
	}
	for _, l := range norms.languages {
		if lang == l {
			return true, true
		}
	}
	return false, true
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}

// inferDateOrder splits a formatted date on its separators and uses the
// positions of the four-digit year and any field above 12 to decide the
// order. Ambiguous samples return "".
func inferDateOrder(sample string) string {
	fields := strings.FieldsFunc(sample, func(r rune) bool {
		return r == '/' || r == '.' || r == '-' || r == ' ' || r == ','
	})
	if len(fields) != 3 {
		return ""
	}

	nums := make([]int, 3)
	yearIdx := -1
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return ""
		}
		nums[i] = n
		if len(f) == 4 {
			yearIdx = i
		}
	}

	switch yearIdx {
	case 0:
		return "YMD"
	case 2:
		if nums[0] > 12 {
			return "DMY"
		}
		if nums[1] > 12 {
			return "MDY"
		}
		return ""
	default:
		return ""
	}
}
