package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/forge/internal/model"
)

// Contradiction severities. IMPOSSIBLE rules describe hardware or browser
// states no real device produces; IMPROBABLE rules are seen on well under a
// percent of genuine traffic; SUSPICIOUS rules are common enough on real
// devices that they only count, never condemn.
type contradictionRule struct {
	id    string
	check func(rec *model.Record) bool
}

// The rule set is fixed. Every rule reads only client parameters and
// earlier _srv_ outputs, so the step slots anywhere after UA parse.
var contradictionRules = []contradictionRule{
	// IMPOSSIBLE
	{"IMP01", func(r *model.Record) bool {
		// Phone-class device driving a 4K panel with a mouse.
		w, _ := intParam(r, ParamScreenW)
		moves, _ := intParam(r, ParamMouseMoves)
		return r.Param(KeyDeviceType) == "mobile" && w >= 3840 && moves > 0
	}},
	{"IMP02", func(r *model.Record) bool {
		// Touch events from a device reporting zero touch points.
		mt, ok := intParam(r, ParamMaxTouch)
		return flagParam(r, ParamTouch) && ok && mt == 0
	}},
	{"IMP03", func(r *model.Record) bool {
		// Viewport larger than the physical screen.
		sw, ok1 := intParam(r, ParamScreenW)
		vw, ok2 := intParam(r, ParamViewportW)
		return ok1 && ok2 && sw > 0 && vw > sw+1
	}},
	{"IMP04", func(r *model.Record) bool {
		// UA claims a Mac while the JS platform is Windows, or the reverse.
		os := strings.ToLower(r.Param(KeyOS))
		plt := strings.ToLower(r.Param(ParamPlatform))
		if os == "" || plt == "" {
			return false
		}
		macUA := strings.Contains(os, "mac")
		winUA := strings.Contains(os, "windows")
		return (macUA && strings.HasPrefix(plt, "win")) ||
			(winUA && strings.HasPrefix(plt, "mac"))
	}},
	{"IMP05", func(r *model.Record) bool {
		// Android UA on an Apple JS platform.
		return strings.Contains(strings.ToLower(r.Param(KeyOS)), "android") &&
			isApplePlatform(r.Param(ParamPlatform))
	}},
	{"IMP06", func(r *model.Record) bool {
		// Zero-area screen behind a live viewport.
		sw, ok1 := intParam(r, ParamScreenW)
		vw, ok2 := intParam(r, ParamViewportW)
		return ok1 && ok2 && sw == 0 && vw > 0
	}},
	{"IMP07", func(r *model.Record) bool {
		// Mouse entropy without a single reported movement.
		ent, ok := floatParam(r, ParamMouseEntropy)
		moves, ok2 := intParam(r, ParamMouseMoves)
		return ok && ok2 && ent > 0 && moves == 0
	}},

	// IMPROBABLE
	{"PRB01", func(r *model.Record) bool {
		// Server-grade core count on a phone.
		cores, ok := intParam(r, ParamCores)
		return ok && cores >= 32 && r.Param(KeyDeviceType) == "mobile"
	}},
	{"PRB02", func(r *model.Record) bool {
		// Flagship GPU paired with bottom-tier memory.
		mem, ok := floatParam(r, ParamMemory)
		return ok && mem <= 2 && r.Param(KeyGPUTier) == TierHigh
	}},
	{"PRB03", func(r *model.Record) bool {
		// Automation flag raised by the browser itself.
		return flagParam(r, ParamWebdriver)
	}},

	// SUSPICIOUS
	{"SUS01", func(r *model.Record) bool {
		// Fingerprint ran but found no installed fonts.
		return r.HasParam(ParamFonts) && r.Param(ParamFonts) == ""
	}},
	{"SUS02", func(r *model.Record) bool {
		// Both persistence mechanisms disabled.
		return r.HasParam(ParamCookies) && !flagParam(r, ParamCookies) &&
			r.HasParam(ParamLocalStore) && !flagParam(r, ParamLocalStore)
	}},
	{"SUS03", func(r *model.Record) bool {
		// 1-bit to 8-bit color depth; headless framebuffers report these.
		d, ok := intParam(r, ParamColorDepth)
		return ok && d > 0 && d < 16
	}},
}

// ContradictionMatrix evaluates the fixed rule set and reports the count
// and the IDs of the rules that fired. The affluence and UA-parse steps
// must have run first; this step is 10th in the chain for that reason.
type ContradictionMatrix struct{}

func NewContradictionMatrix() *ContradictionMatrix { return &ContradictionMatrix{} }

func (c *ContradictionMatrix) Name() string { return "contradiction" }

func (c *ContradictionMatrix) Enrich(_ context.Context, rec *model.Record) error {
	var fired []string
	for _, rule := range contradictionRules {
		if rule.check(rec) {
			fired = append(fired, rule.id)
		}
	}

	rec.AppendParam(KeyContradictions, strconv.Itoa(len(fired)))
	if len(fired) > 0 {
		rec.AppendParam(KeyContradictionRules, strings.Join(fired, ","))
	}
	return nil
}
