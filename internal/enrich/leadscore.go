package enrich

import (
	"context"
	"strconv"

	"github.com/smartpixl/forge/internal/model"
)

const (
	leadMinSessionSec = 30
	// Human mouse entropy lands between these on every corpus we have
	// sampled; scripted movement sits near zero, random-walk fakes above.
	leadEntropyMin = 0.5
	leadEntropyMax = 6.0
)

// LeadScore condenses the whole chain into one 0-100 number for the sales
// side: how much does this hit look like a person worth calling. Declared
// bots score zero outright. The nine signals reward engagement and
// consistency; absence of evidence is scored neutrally, so a first hit
// from a quiet but consistent visitor still clears the mid range.
type LeadScore struct{}

func NewLeadScore() *LeadScore { return &LeadScore{} }

func (l *LeadScore) Name() string { return "lead_score" }

func (l *LeadScore) Enrich(_ context.Context, rec *model.Record) error {
	if rec.Param(KeyKnownBot) == "1" {
		rec.AppendParam(KeyLeadScore, "0")
		return nil
	}

	score := 0

	// Engagement.
	if moves, ok := intParam(rec, ParamMouseMoves); ok && moves > 0 {
		score += 25
	}
	if keys, ok := intParam(rec, ParamKeys); ok && keys > 0 {
		score += 8
	}
	if scroll, ok := intParam(rec, ParamScroll); ok && scroll > 0 {
		score += 7
	}
	if dur, ok := intParam(rec, KeySessionDuration); ok && dur > leadMinSessionSec {
		score += 5
	}
	if pages, ok := intParam(rec, KeySessionPages); ok && pages >= 2 {
		score += 5
	}

	// Consistency. These award the point unless positive evidence says
	// otherwise; an unresolvable IP is not a strike against the visitor.
	if !timezoneMismatch(rec) {
		score += 15
	}
	if n, ok := intParam(rec, KeyContradictions); !ok || n == 0 {
		score += 20
	}
	if rec.Param(KeyIsCloud) != "1" && rec.Param(KeyIPHosting) != "1" {
		score += 10
	}
	if ent, ok := floatParam(rec, ParamMouseEntropy); ok &&
		ent >= leadEntropyMin && ent <= leadEntropyMax {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	rec.AppendParam(KeyLeadScore, strconv.Itoa(score))
	return nil
}

// timezoneMismatch reports a declared timezone provably inconsistent with
// the IP country. Unknown country or timezone is not a mismatch.
func timezoneMismatch(rec *model.Record) bool {
	norms, known := countryTable[rec.Param(KeyGeoCountry)]
	if !known {
		return false
	}
	off, ok := intParam(rec, ParamTZOffset)
	if !ok {
		return false
	}
	return off < norms.offMin-60 || off > norms.offMax+60
}
