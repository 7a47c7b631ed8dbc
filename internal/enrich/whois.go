package enrich

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/smartpixl/forge/internal/model"
)

// Whois fills ASN and organization over the plain-text WHOIS protocol when
// the offline ASN database had no answer. RADB answers routing objects for
// most announced prefixes. Hard five second budget per lookup.
type Whois struct {
	server  string
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewWhois returns the WHOIS step against the given server ("host:port").
func NewWhois(server string) *Whois {
	d := &net.Dialer{}
	return &Whois{
		server:  server,
		timeout: 5 * time.Second,
		dial:    d.DialContext,
	}
}

func (w *Whois) Name() string { return "whois" }

func (w *Whois) Enrich(ctx context.Context, rec *model.Record) error {
	// The offline ASN lookup already answered; nothing to add.
	if rec.HasParam(KeyASN) {
		return nil
	}
	if net.ParseIP(rec.IPAddress) == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	asn, org, err := w.query(ctx, rec.IPAddress)
	if err != nil {
		return err
	}

	appendNonEmpty(rec, KeyASN, asn)
	appendNonEmpty(rec, KeyASNOrg, org)
	return nil
}

// query speaks one WHOIS round trip: send the IP, read field lines.
func (w *Whois) query(ctx context.Context, ip string) (asn, org string, err error) {
	conn, err := w.dial(ctx, "tcp", w.server)
	if err != nil {
		return "", "", fmt.Errorf("whois dial %s: %w", w.server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", ip); err != nil {
		return "", "", fmt.Errorf("whois send: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "origin", "originas":
			if asn == "" {
				asn = normalizeASN(value)
			}
		case "descr", "org-name", "orgname", "owner":
			if org == "" {
				org = value
			}
		}
		if asn != "" && org != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("whois read: %w", err)
	}
	return asn, org, nil
}

func normalizeASN(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToUpper(v), "AS") {
		return "AS" + v
	}
	return strings.ToUpper(v[:2]) + v[2:]
}
