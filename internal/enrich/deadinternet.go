package enrich

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

const (
	deadNetWindow     = 24 * time.Hour
	deadNetIdleCutoff = 48 * time.Hour
	deadNetEvictEvery = 10 * time.Minute
	deadNetMinHits    = 5 // below this the ratios are noise
)

// hourBucket aggregates one tenant-hour of traffic quality signals.
type hourBucket struct {
	totalHits          int
	botHits            int
	zeroMouseHits      int
	datacenterHits     int
	contradictionHits  int
	replayHits         int
	uniqueFingerprints map[string]struct{}
}

type companyMetrics struct {
	mu        sync.Mutex
	buckets   map[int64]*hourBucket // hours since epoch
	lastHitAt time.Time
}

// DeadInternet scores each tenant's traffic 0-100 by how much of the last
// 24 hours looks synthetic: declared bots, mouseless visits, datacenter
// sources, contradictory fingerprints, replayed behavior and fingerprint
// monoculture. 0 is an audience; 100 is a render farm.
type DeadInternet struct {
	clk clock.Clock

	mu        sync.RWMutex
	companies map[string]*companyMetrics
}

func NewDeadInternet(clk clock.Clock) *DeadInternet {
	if clk == nil {
		clk = clock.System
	}
	return &DeadInternet{clk: clk, companies: make(map[string]*companyMetrics)}
}

func (d *DeadInternet) Name() string { return "dead_internet" }

func (d *DeadInternet) EvictEvery() time.Duration { return deadNetEvictEvery }

// Len reports the number of tracked tenants.
func (d *DeadInternet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.companies)
}

func (d *DeadInternet) Enrich(_ context.Context, rec *model.Record) error {
	if rec.CompanyID == "" {
		return nil
	}

	now := d.clk.Now()
	hour := now.Unix() / 3600
	cm := d.lookupOrCreate(rec.CompanyID)

	moves, movesOK := intParam(rec, ParamMouseMoves)
	contradictions, _ := intParam(rec, KeyContradictions)

	cm.mu.Lock()
	cm.lastHitAt = now
	bucket, ok := cm.buckets[hour]
	if !ok {
		bucket = &hourBucket{uniqueFingerprints: make(map[string]struct{})}
		cm.buckets[hour] = bucket
	}

	bucket.totalHits++
	if rec.Param(KeyKnownBot) == "1" {
		bucket.botHits++
	}
	if movesOK && moves == 0 {
		bucket.zeroMouseHits++
	}
	if rec.Param(KeyIsCloud) == "1" || rec.Param(KeyIPHosting) == "1" {
		bucket.datacenterHits++
	}
	if contradictions > 0 {
		bucket.contradictionHits++
	}
	if rec.Param(KeyReplay) == "1" {
		bucket.replayHits++
	}
	if fp := rec.Fingerprint(); fp != "" {
		bucket.uniqueFingerprints[fp] = struct{}{}
	}

	index, enough := indexLocked(cm, hour)
	cm.mu.Unlock()

	if enough {
		rec.AppendParam(KeyDeadInternet, strconv.Itoa(index))
	}
	return nil
}

// indexLocked sums the 24-hour window ending at the given hour and applies
// the weighted ratio formula. Caller holds cm.mu.
func indexLocked(cm *companyMetrics, currentHour int64) (int, bool) {
	var total, bot, zeroMouse, datacenter, contradiction, replay, uniqueFps int
	oldest := currentHour - 23
	for h, b := range cm.buckets {
		if h < oldest || h > currentHour {
			continue
		}
		total += b.totalHits
		bot += b.botHits
		zeroMouse += b.zeroMouseHits
		datacenter += b.datacenterHits
		contradiction += b.contradictionHits
		replay += b.replayHits
		uniqueFps += len(b.uniqueFingerprints)
	}
	if total < deadNetMinHits {
		return 0, false
	}

	ft := float64(total)
	botRatio := float64(bot) / ft
	zeroEngageRatio := float64(zeroMouse+replay) / ft
	datacenterRatio := float64(datacenter) / ft
	contradictionRatio := float64(contradiction) / ft
	fpDiversityRatio := 1 - math.Min(float64(uniqueFps)/ft, 1)

	index := int(math.Round(100 * (0.30*botRatio +
		0.20*zeroEngageRatio +
		0.20*datacenterRatio +
		0.15*contradictionRatio +
		0.15*fpDiversityRatio)))
	if index < 0 {
		index = 0
	}
	if index > 100 {
		index = 100
	}
	return index, true
}

func (d *DeadInternet) lookupOrCreate(companyID string) *companyMetrics {
	d.mu.RLock()
	cm, ok := d.companies[companyID]
	d.mu.RUnlock()
	if ok {
		return cm
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cm, ok = d.companies[companyID]; ok {
		return cm
	}
	cm = &companyMetrics{buckets: make(map[int64]*hourBucket)}
	d.companies[companyID] = cm
	return cm
}

// Index reports the current score for one tenant, for the ops endpoint.
func (d *DeadInternet) Index(companyID string) (int, bool) {
	d.mu.RLock()
	cm, ok := d.companies[companyID]
	d.mu.RUnlock()
	if !ok {
		return 0, false
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return indexLocked(cm, d.clk.Now().Unix()/3600)
}

// Evict drops hour buckets beyond the window and tenants idle two days.
func (d *DeadInternet) Evict() {
	now := d.clk.Now()
	oldest := now.Unix()/3600 - 23

	d.mu.Lock()
	defer d.mu.Unlock()
	for companyID, cm := range d.companies {
		cm.mu.Lock()
		for h := range cm.buckets {
			if h < oldest {
				delete(cm.buckets, h)
			}
		}
		idle := now.Sub(cm.lastHitAt) > deadNetIdleCutoff
		cm.mu.Unlock()
		if idle {
			delete(d.companies, companyID)
		}
	}
}
