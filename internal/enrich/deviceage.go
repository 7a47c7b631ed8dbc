package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

// DeviceAge estimates when the visitor's hardware shipped by triangulating
// GPU, OS and browser release years, then flags combinations real devices
// do not produce (a 2012 GPU running this week's Chrome is an emulator far
// more often than it is a lovingly maintained desktop).
type DeviceAge struct {
	clk clock.Clock
}

func NewDeviceAge(clk clock.Clock) *DeviceAge {
	if clk == nil {
		clk = clock.System
	}
	return &DeviceAge{clk: clk}
}

func (d *DeviceAge) Name() string { return "device_age" }

func (d *DeviceAge) Enrich(_ context.Context, rec *model.Record) error {
	currentYear := d.clk.Now().Year()

	gpuYear := 0
	if e, ok := lookupGPU(rec.Param(ParamGPU)); ok {
		gpuYear = e.year
	}
	osYear := osReleaseYear(rec.Param(KeyOS), rec.Param(KeyOSVer))
	browserYear := browserReleaseYear(rec.Param(KeyBrowser), rec.Param(KeyBrowserVer))

	deviceYear := minNonZero(gpuYear, osYear, browserYear)
	if deviceYear == 0 {
		return nil
	}

	age := currentYear - deviceYear
	if age < 0 {
		age = 0
	}
	rec.AppendParam(KeyDeviceYear, strconv.Itoa(deviceYear))
	rec.AppendParam(KeyDeviceAge, strconv.Itoa(age))

	var anomalies []string
	if gpuYear > 0 && browserYear >= currentYear-1 && browserYear-gpuYear > 8 {
		anomalies = append(anomalies, "old_gpu_new_browser")
	}
	if gpuYear >= currentYear-1 && osYear > 0 && currentYear-osYear > 6 {
		anomalies = append(anomalies, "new_gpu_eol_os")
	}
	if osYear > 0 && browserYear > 0 && abs(osYear-browserYear) > 5 {
		anomalies = append(anomalies, "os_browser_divergence")
	}
	if len(anomalies) > 0 {
		rec.AppendParam(KeyDeviceAnomaly, strings.Join(anomalies, ","))
	}
	return nil
}

// osReleaseYear maps an OS family and version to the year that release
// shipped. Unknown versions return zero and drop out of the estimate.
func osReleaseYear(osName, version string) int {
	os := strings.ToLower(osName)
	major, minor := splitVersion(version)

	switch {
	case strings.Contains(os, "windows"):
		switch {
		case major >= 11:
			return 2021
		case major == 10:
			return 2015
		case major == 8:
			return 2012
		case major == 7:
			return 2009
		}
	case strings.Contains(os, "mac"):
		// 10.x names through Catalina, then yearly majors from Big Sur.
		if major >= 11 {
			return 2009 + major // 11 -> 2020, 14 -> 2023
		}
		if major == 10 && minor > 0 {
			return 2004 + minor // roughly yearly: 10.15 -> 2019
		}
	case strings.Contains(os, "ios"):
		if major > 0 {
			return 2006 + major // iOS 17 -> 2023
		}
	case strings.Contains(os, "android"):
		if major > 0 {
			return 2008 + major // Android 14 -> 2022, close enough
		}
	case strings.Contains(os, "linux"), strings.Contains(os, "ubuntu"), strings.Contains(os, "chrome os"):
		// Rolling releases carry no year signal.
		return 0
	}
	return 0
}

// browserReleaseYear converts a browser major version to the year that
// major shipped, using each vendor's release cadence.
func browserReleaseYear(browser, version string) int {
	major, _ := splitVersion(version)
	if major <= 0 {
		return 0
	}
	b := strings.ToLower(browser)
	switch {
	case strings.Contains(b, "chrome"), strings.Contains(b, "chromium"), strings.Contains(b, "edge"), strings.Contains(b, "opera"):
		// Chromium shipped ~8 majors a year after the 2008 launch; Edge
		// and Opera track its numbering.
		y := 2008 + major/8
		return capYear(y)
	case strings.Contains(b, "firefox"):
		if major < 5 {
			return 2004 + major
		}
		return capYear(2011 + major/9)
	case strings.Contains(b, "safari"):
		return capYear(2006 + major) // Safari 17 -> 2023
	}
	return 0
}

func capYear(y int) int {
	if y > 2030 {
		return 2030
	}
	return y
}

func splitVersion(v string) (major, minor int) {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return major, minor
}

func minNonZero(vals ...int) int {
	min := 0
	for _, v := range vals {
		if v > 0 && (min == 0 || v < min) {
			min = v
		}
	}
	return min
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
