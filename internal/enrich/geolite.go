package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/oschwald/geoip2-golang"

	"github.com/smartpixl/forge/internal/model"
)

// GeoLite answers country, region, city, coordinates and ASN from
// memory-mapped MaxMind databases. Every file is optional: a missing
// database downgrades the corresponding lookup to a no-op so the process
// can start on a fresh machine before data files are staged.
type GeoLite struct {
	city    *geoip2.Reader
	asn     *geoip2.Reader
	country *geoip2.Reader
}

// NewGeoLite opens whichever of the three databases exist. An empty path
// disables that database outright.
func NewGeoLite(cityPath, asnPath, countryPath string) *GeoLite {
	g := &GeoLite{}
	g.city = openGeoDB("city", cityPath)
	g.asn = openGeoDB("asn", asnPath)
	g.country = openGeoDB("country", countryPath)
	return g
}

func openGeoDB(kind, path string) *geoip2.Reader {
	if path == "" {
		return nil
	}
	r, err := geoip2.Open(path)
	if err != nil {
		slog.Warn("[GeoLite] Database unavailable, lookups disabled", "kind", kind, "path", path, "error", err)
		return nil
	}
	slog.Info("[GeoLite] Database loaded", "kind", kind, "path", path)
	return r
}

func (g *GeoLite) Name() string { return "geo_offline" }

// Close releases the memory maps.
func (g *GeoLite) Close() {
	for _, r := range []*geoip2.Reader{g.city, g.asn, g.country} {
		if r != nil {
			r.Close()
		}
	}
	g.city, g.asn, g.country = nil, nil, nil
}

func (g *GeoLite) Enrich(_ context.Context, rec *model.Record) error {
	ip := net.ParseIP(rec.IPAddress)
	if ip == nil {
		return nil
	}

	country := ""
	if g.city != nil {
		c, err := g.city.City(ip)
		if err == nil && c != nil {
			country = c.Country.IsoCode
			appendNonEmpty(rec, KeyGeoCity, c.City.Names["en"])
			if len(c.Subdivisions) > 0 {
				appendNonEmpty(rec, KeyGeoRegion, c.Subdivisions[0].IsoCode)
			}
			if c.Location.Latitude != 0 || c.Location.Longitude != 0 {
				rec.AppendParam(KeyGeoLat, strconv.FormatFloat(c.Location.Latitude, 'f', 4, 64))
				rec.AppendParam(KeyGeoLon, strconv.FormatFloat(c.Location.Longitude, 'f', 4, 64))
			}
		}
	}

	// Country DB is the fallback when the City DB misses or is absent.
	if country == "" && g.country != nil {
		c, err := g.country.Country(ip)
		if err == nil && c != nil {
			country = c.Country.IsoCode
		}
	}
	appendNonEmpty(rec, KeyGeoCountry, country)

	if g.asn != nil {
		a, err := g.asn.ASN(ip)
		if err == nil && a != nil && a.AutonomousSystemNumber != 0 {
			rec.AppendParam(KeyASN, fmt.Sprintf("AS%d", a.AutonomousSystemNumber))
			appendNonEmpty(rec, KeyASNOrg, a.AutonomousSystemOrganization)
		}
	}
	return nil
}
