package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

// geoAPIFields keeps the free-tier response small and includes the proxy
// and hosting flags that are off by default.
const geoAPIFields = "status,message,country,countryCode,region,regionName,city,lat,lon,isp,org,as,proxy,hosting,query"

// IPGeoResult is one external lookup, as persisted to the IP cache table.
type IPGeoResult struct {
	IP          string
	Country     string
	CountryCode string
	Region      string
	City        string
	Lat         float64
	Lon         float64
	ISP         string
	Org         string
	ASN         string
	Proxy       bool
	Hosting     bool
	FetchedAt   time.Time
}

// GeoCacheStore persists lookups. Implemented by the storage package.
type GeoCacheStore interface {
	UpsertIPGeo(ctx context.Context, res *IPGeoResult) error
}

// GeoAPI calls the external per-IP geo service for addresses the platform
// has not seen recently. The free tier allows under 29 requests per minute,
// enforced here as a minimum 2100 ms gap between calls. Seen IPs are held
// in an in-memory map seeded from the database at startup.
type GeoAPI struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	store   GeoCacheStore
	clk     clock.Clock
	ttl     time.Duration
	maxWait time.Duration

	mu    sync.RWMutex
	known map[string]time.Time

	// OnOutcome, when set, receives cache_hit / api_ok / api_fail / limited.
	OnOutcome func(outcome string)
}

// NewGeoAPI builds the step. store may be nil (lookups are then not
// persisted); ttlDays controls how long a seen IP suppresses re-lookup.
func NewGeoAPI(baseURL string, store GeoCacheStore, ttlDays int, clk clock.Clock) *GeoAPI {
	if clk == nil {
		clk = clock.System
	}
	return &GeoAPI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2100*time.Millisecond), 1),
		store:   store,
		clk:     clk,
		ttl:     time.Duration(ttlDays) * 24 * time.Hour,
		maxWait: 10 * time.Second,
		known:   make(map[string]time.Time),
	}
}

func (g *GeoAPI) Name() string { return "geo_api" }

// Add seeds or refreshes one known IP. The startup loader streams the
// cache table through here; the hot path updates it after each API call.
func (g *GeoAPI) Add(ip string, lastSeen time.Time) {
	g.mu.Lock()
	g.known[ip] = lastSeen
	g.mu.Unlock()
}

// Len reports the known-IP map size.
func (g *GeoAPI) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.known)
}

func (g *GeoAPI) seen(ip string, now time.Time) bool {
	g.mu.RLock()
	last, ok := g.known[ip]
	g.mu.RUnlock()
	return ok && now.Sub(last) < g.ttl
}

func (g *GeoAPI) outcome(o string) {
	if g.OnOutcome != nil {
		g.OnOutcome(o)
	}
}

type geoAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
	Query       string  `json:"query"`
}

func (g *GeoAPI) Enrich(ctx context.Context, rec *model.Record) error {
	ip := net.ParseIP(rec.IPAddress)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return nil
	}

	now := g.clk.Now()
	if g.seen(rec.IPAddress, now) {
		g.outcome("cache_hit")
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()
	if err := g.limiter.Wait(waitCtx); err != nil {
		g.outcome("limited")
		return fmt.Errorf("geo api rate limit: %w", err)
	}

	res, err := g.fetch(ctx, rec.IPAddress)
	if err != nil {
		g.outcome("api_fail")
		return err
	}
	g.outcome("api_ok")

	if g.store != nil {
		if err := g.store.UpsertIPGeo(ctx, res); err != nil {
			slog.Warn("[GeoAPI] Cache upsert failed", "ip", rec.IPAddress, "error", err)
		}
	}
	g.Add(rec.IPAddress, now)

	appendNonEmpty(rec, KeyGeoCountry, res.CountryCode)
	appendNonEmpty(rec, KeyGeoRegion, res.Region)
	appendNonEmpty(rec, KeyGeoCity, res.City)
	if res.Lat != 0 || res.Lon != 0 {
		rec.AppendParam(KeyGeoLat, strconv.FormatFloat(res.Lat, 'f', 4, 64))
		rec.AppendParam(KeyGeoLon, strconv.FormatFloat(res.Lon, 'f', 4, 64))
	}
	appendNonEmpty(rec, KeyIPISP, res.ISP)
	appendNonEmpty(rec, KeyASN, res.ASN)
	appendNonEmpty(rec, KeyASNOrg, res.Org)
	if res.Proxy {
		rec.AppendParam(KeyIPProxy, "1")
	}
	if res.Hosting {
		rec.AppendParam(KeyIPHosting, "1")
	}
	return nil
}

func (g *GeoAPI) fetch(ctx context.Context, ip string) (*IPGeoResult, error) {
	url := fmt.Sprintf("%s/%s?fields=%s", g.baseURL, ip, geoAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("geo api request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo api status %d", resp.StatusCode)
	}

	var body geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo api decode: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo api rejected %s: %s", ip, body.Message)
	}

	return &IPGeoResult{
		IP:          ip,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.Region,
		City:        body.City,
		Lat:         body.Lat,
		Lon:         body.Lon,
		ISP:         body.ISP,
		Org:         body.Org,
		ASN:         firstToken(body.AS),
		Proxy:       body.Proxy,
		Hosting:     body.Hosting,
		FetchedAt:   g.clk.Now(),
	}, nil
}

// firstToken extracts "AS15169" from ip-api's "AS15169 Google LLC" form.
func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
