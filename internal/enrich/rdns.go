package enrich

import (
	"context"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/smartpixl/forge/internal/model"
)

// Resolver is the PTR lookup surface of net.Resolver.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// cloudPattern classifies a PTR hostname as belonging to a hosting provider.
type cloudPattern struct {
	re       *regexp.Regexp
	provider string
}

var cloudPatterns = []cloudPattern{
	{regexp.MustCompile(`(?i)\.amazonaws\.com$|\.compute-\d+\.amazonaws`), "AWS"},
	{regexp.MustCompile(`(?i)\.googleusercontent\.com$|\.gce\.`), "GCP"},
	{regexp.MustCompile(`(?i)\.cloudapp\.azure\.com$|\.azurewebsites\.net$|\.cloudapp\.net$`), "Azure"},
	{regexp.MustCompile(`(?i)\.digitalocean\.com$`), "DigitalOcean"},
	{regexp.MustCompile(`(?i)\.akamaitechnologies\.com$|\.akamai\.net$`), "Akamai"},
	{regexp.MustCompile(`(?i)\.cloudflare\.com$`), "Cloudflare"},
	{regexp.MustCompile(`(?i)\.ovh\.(net|ca|us)$`), "OVH"},
	{regexp.MustCompile(`(?i)\.your-server\.de$|\.hetzner\.(de|com|cloud)$`), "Hetzner"},
	{regexp.MustCompile(`(?i)\.linode\.com$|\.linodeusercontent\.com$`), "Linode"},
	{regexp.MustCompile(`(?i)\.vultr\.com$|\.choopa\.net$`), "Vultr"},
	{regexp.MustCompile(`(?i)\.scaleway\.com$|\.poneytelecom\.eu$`), "Scaleway"},
	{regexp.MustCompile(`(?i)\.contabo(server)?\.(net|com)$`), "Contabo"},
	{regexp.MustCompile(`(?i)\.leaseweb\.(net|com)$`), "Leaseweb"},
}

// RDNS resolves the PTR record for the client IP and flags datacenter
// hostnames. Lookups share a two second budget; a miss or timeout is an
// empty result, never an error.
type RDNS struct {
	resolver Resolver
	timeout  time.Duration
}

// NewRDNS returns the reverse DNS step backed by the system resolver.
func NewRDNS() *RDNS {
	return NewRDNSWithResolver(&net.Resolver{})
}

// NewRDNSWithResolver injects a resolver. Tests pass a fake.
func NewRDNSWithResolver(r Resolver) *RDNS {
	return &RDNS{resolver: r, timeout: 2 * time.Second}
}

func (d *RDNS) Name() string { return "rdns" }

// Classify returns the hosting provider for a PTR hostname, if any.
func Classify(hostname string) (string, bool) {
	h := strings.TrimSuffix(hostname, ".")
	for _, p := range cloudPatterns {
		if p.re.MatchString(h) {
			return p.provider, true
		}
	}
	return "", false
}

func (d *RDNS) Enrich(ctx context.Context, rec *model.Record) error {
	if net.ParseIP(rec.IPAddress) == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	names, err := d.resolver.LookupAddr(ctx, rec.IPAddress)
	if err != nil || len(names) == 0 {
		return nil
	}

	hostname := strings.TrimSuffix(names[0], ".")
	rec.AppendParam(KeyHostname, hostname)

	if provider, ok := Classify(hostname); ok {
		rec.AppendParam(KeyIsCloud, "1")
		rec.AppendParam(KeyCloudProvider, provider)
	}
	return nil
}
