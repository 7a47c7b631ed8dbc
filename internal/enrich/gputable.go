package enrich

import "strings"

// GPU tiers for affluence scoring.
const (
	TierHigh = "HIGH"
	TierMid  = "MID"
	TierLow  = "LOW"
)

// gpuEntry classifies one WebGL renderer family: spending tier plus the
// approximate year the part shipped, used by the device-age estimator.
type gpuEntry struct {
	pattern string // lowercase substring of the reported renderer
	tier    string
	year    int
}

// gpuTable is walked in order; more specific patterns must precede their
// catch-alls ("quadro rtx" before "rtx 5", "radeon pro" before "radeon").
var gpuTable = []gpuEntry{
	// Workstation parts first. They contain consumer substrings.
	{"quadro rtx", TierHigh, 2018},
	{"rtx a6000", TierHigh, 2021},
	{"rtx a5000", TierHigh, 2021},
	{"rtx a4000", TierHigh, 2021},
	{"quadro p", TierMid, 2016},
	{"quadro k", TierLow, 2013},
	{"quadro", TierMid, 2015},
	{"radeon pro w7", TierHigh, 2023},
	{"radeon pro w6", TierHigh, 2021},
	{"radeon pro vega", TierHigh, 2017},
	{"radeon pro", TierMid, 2017},
	{"firepro", TierLow, 2012},

	// NVIDIA consumer, newest families first.
	{"rtx 50", TierHigh, 2025},
	{"rtx 40", TierHigh, 2022},
	{"rtx 30", TierHigh, 2020},
	{"rtx 20", TierHigh, 2018},
	{"gtx 16", TierMid, 2019},
	{"gtx 10", TierMid, 2016},
	{"gtx 9", TierMid, 2014},
	{"gtx 7", TierLow, 2013},
	{"gtx 6", TierLow, 2012},
	{"gtx", TierLow, 2012},
	{"geforce mx", TierLow, 2017},
	{"geforce gt ", TierLow, 2012},
	{"geforce", TierLow, 2012},

	// AMD consumer.
	{"rx 7", TierHigh, 2023},
	{"rx 6", TierHigh, 2020},
	{"rx 5", TierMid, 2019},
	{"rx vega", TierMid, 2017},
	{"rx 4", TierLow, 2016},
	{"radeon vii", TierHigh, 2019},
	{"radeon r9", TierLow, 2013},
	{"radeon r7", TierLow, 2013},
	{"radeon hd", TierLow, 2010},
	{"vega", TierMid, 2017},
	{"radeon", TierLow, 2014},

	// Apple silicon and pre-silicon Apple GPUs.
	{"apple m4", TierHigh, 2024},
	{"apple m3", TierHigh, 2023},
	{"apple m2", TierHigh, 2022},
	{"apple m1", TierHigh, 2020},
	{"apple a17", TierHigh, 2023},
	{"apple a16", TierHigh, 2022},
	{"apple a15", TierHigh, 2021},
	{"apple a14", TierMid, 2020},
	{"apple a13", TierMid, 2019},
	{"apple a12", TierMid, 2018},
	{"apple a11", TierLow, 2017},
	{"apple gpu", TierMid, 2020},
	{"apple", TierMid, 2019},

	// Intel integrated, newest first.
	{"arc a7", TierMid, 2022},
	{"arc a5", TierMid, 2022},
	{"arc", TierMid, 2022},
	{"iris xe", TierMid, 2020},
	{"iris plus", TierLow, 2019},
	{"iris pro", TierLow, 2015},
	{"iris", TierLow, 2016},
	{"uhd graphics 7", TierMid, 2021},
	{"uhd graphics 6", TierLow, 2017},
	{"uhd graphics", TierLow, 2017},
	{"hd graphics 6", TierLow, 2015},
	{"hd graphics 5", TierLow, 2013},
	{"hd graphics 4", TierLow, 2012},
	{"hd graphics", TierLow, 2011},

	// Mobile SoC GPUs.
	{"adreno 7", TierHigh, 2022},
	{"adreno 6", TierMid, 2018},
	{"adreno 5", TierLow, 2016},
	{"adreno", TierLow, 2015},
	{"mali-g7", TierMid, 2020},
	{"mali-g5", TierLow, 2018},
	{"mali-t", TierLow, 2014},
	{"mali", TierLow, 2016},
	{"powervr", TierLow, 2015},
	{"xclipse", TierMid, 2022},

	// Software rasterizers and virtual adapters. Old year on purpose so
	// device-age flags the mismatch against a current browser.
	{"swiftshader", TierLow, 2016},
	{"llvmpipe", TierLow, 2012},
	{"virtualbox", TierLow, 2010},
	{"vmware", TierLow, 2012},
	{"microsoft basic render", TierLow, 2012},
	{"parallels", TierLow, 2014},
	{"mesa", TierLow, 2014},
}

// lookupGPU matches the reported renderer against the table. ANGLE
// wrappers ("ANGLE (Apple, Apple M1 Pro, ...)") match through the
// substring scan without unwrapping.
func lookupGPU(renderer string) (gpuEntry, bool) {
	r := strings.ToLower(renderer)
	if r == "" {
		return gpuEntry{}, false
	}
	for _, e := range gpuTable {
		if strings.Contains(r, e.pattern) {
			return e, true
		}
	}
	return gpuEntry{}, false
}
