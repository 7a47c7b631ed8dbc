package enrich

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

const (
	crossCustWindow      = 2 * time.Hour
	crossCustAlertWindow = 5 * time.Minute
	crossCustAlertMin    = 3 // distinct companies inside the alert window
	crossCustEvictEvery  = 5 * time.Minute
)

// crossCustHit is one observation of a device at a tenant.
type crossCustHit struct {
	companyID string
	at        time.Time
}

// gone marks an entry the evictor removed from the map, so a caller that
// raced the eviction knows to look up a fresh one.
type crossCustEntry struct {
	mu   sync.Mutex
	hits []crossCustHit
	gone bool
}

// CrossCustomer tracks devices that surface at multiple tenants inside a
// short window, the signature of scrapers and click farms walking the
// customer base. Keyed by IP plus a short digest of the fingerprint so
// distinct devices behind one NAT stay separate.
type CrossCustomer struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]*crossCustEntry

	// OnAlert, when set, fires once per record that crosses the alert bar.
	OnAlert func(ip string, companies int)
}

func NewCrossCustomer(clk clock.Clock) *CrossCustomer {
	if clk == nil {
		clk = clock.System
	}
	return &CrossCustomer{clk: clk, entries: make(map[string]*crossCustEntry)}
}

func (c *CrossCustomer) Name() string { return "cross_customer" }

func (c *CrossCustomer) EvictEvery() time.Duration { return crossCustEvictEvery }

// Len reports the number of tracked (IP, fingerprint) keys.
func (c *CrossCustomer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FingerprintHash digests an edge fingerprint to a fixed short key. A full
// collision-resistant digest matters here: a 32-bit hash over hundreds of
// thousands of fingerprints would manufacture cross-tenant correlations.
func FingerprintHash(fp string) string {
	sum := blake2b.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:8])
}

func (c *CrossCustomer) Enrich(_ context.Context, rec *model.Record) error {
	fp := rec.Fingerprint()
	if fp == "" || rec.IPAddress == "" || rec.CompanyID == "" {
		return nil
	}

	key := rec.IPAddress + "|" + FingerprintHash(fp)
	now := c.clk.Now()
	var entry *crossCustEntry
	for {
		entry = c.lookupOrCreate(key)
		entry.mu.Lock()
		if !entry.gone {
			break
		}
		// Evicted between lookup and lock; take a fresh entry.
		entry.mu.Unlock()
	}
	entry.hits = append(entry.hits, crossCustHit{companyID: rec.CompanyID, at: now})
	entry.hits = pruneHits(entry.hits, now.Add(-crossCustWindow))

	windowCompanies := map[string]struct{}{}
	alertCompanies := map[string]struct{}{}
	alertCutoff := now.Add(-crossCustAlertWindow)
	for _, h := range entry.hits {
		windowCompanies[h.companyID] = struct{}{}
		if !h.at.Before(alertCutoff) {
			alertCompanies[h.companyID] = struct{}{}
		}
	}
	entry.mu.Unlock()

	distinct := len(windowCompanies)
	alert := len(alertCompanies) >= crossCustAlertMin

	rec.AppendParam(KeyCrossCustHits, strconv.Itoa(distinct))
	rec.AppendParam(KeyCrossCustWindow, strconv.Itoa(int(crossCustAlertWindow.Minutes())))
	if alert {
		rec.AppendParam(KeyCrossCustAlert, "1")
		if c.OnAlert != nil {
			c.OnAlert(rec.IPAddress, len(alertCompanies))
		}
	}
	return nil
}

func (c *CrossCustomer) lookupOrCreate(key string) *crossCustEntry {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.entries[key]; ok {
		return entry
	}
	entry = &crossCustEntry{}
	c.entries[key] = entry
	return entry
}

// pruneHits drops hits older than cutoff, preserving order. Hits arrive in
// time order per key, so this is a single scan for the first survivor.
func pruneHits(hits []crossCustHit, cutoff time.Time) []crossCustHit {
	for i, h := range hits {
		if !h.at.Before(cutoff) {
			return hits[i:]
		}
	}
	return hits[:0]
}

// Evict drops keys whose every hit has aged out of the tracking window.
func (c *CrossCustomer) Evict() {
	cutoff := c.clk.Now().Add(-crossCustWindow)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		entry.mu.Lock()
		entry.hits = pruneHits(entry.hits, cutoff)
		if len(entry.hits) == 0 {
			entry.gone = true
			delete(c.entries, key)
		}
		entry.mu.Unlock()
	}
}
