package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/forge/internal/model"
)

// Affluence scores the visitor's hardware to bucket probable device spend.
// Deterministic: the same inputs always produce the same bucket.
type Affluence struct{}

func NewAffluence() *Affluence { return &Affluence{} }

func (a *Affluence) Name() string { return "affluence" }

func (a *Affluence) Enrich(_ context.Context, rec *model.Record) error {
	score := 0

	tier := ""
	if e, ok := lookupGPU(rec.Param(ParamGPU)); ok {
		tier = e.tier
		switch e.tier {
		case TierHigh:
			score += 40
		case TierMid:
			score += 25
		case TierLow:
			score += 10
		}
	}

	if cores, ok := intParam(rec, ParamCores); ok {
		switch {
		case cores >= 10:
			score += 15
		case cores >= 6:
			score += 10
		case cores >= 2:
			score += 5
		}
	}

	if mem, ok := floatParam(rec, ParamMemory); ok {
		switch {
		case mem >= 16:
			score += 15
		case mem >= 8:
			score += 10
		case mem >= 2:
			score += 5
		}
	}

	if w, ok := intParam(rec, ParamScreenW); ok {
		if h, ok2 := intParam(rec, ParamScreenH); ok2 {
			mp := float64(w*h) / 1e6
			switch {
			case mp >= 3.5:
				score += 10
			case mp >= 2:
				score += 5
			}
		}
	}

	if isApplePlatform(rec.Param(ParamPlatform)) {
		score += 10
	}

	bucket := TierLow
	switch {
	case score >= 60:
		bucket = TierHigh
	case score >= 30:
		bucket = TierMid
	}

	if tier != "" {
		rec.AppendParam(KeyGPUTier, tier)
	}
	rec.AppendParam(KeyAffluenceScore, strconv.Itoa(score))
	rec.AppendParam(KeyAffluence, bucket)
	return nil
}

func isApplePlatform(plt string) bool {
	p := strings.ToLower(plt)
	return strings.HasPrefix(p, "mac") || strings.HasPrefix(p, "iphone") ||
		strings.HasPrefix(p, "ipad") || strings.HasPrefix(p, "ipod")
}
