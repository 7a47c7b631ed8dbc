// Package edge is the Forge's HTTP bridge to the capture tier's internal
// endpoints. Every call degrades to a safe default; the edge being down
// must never take anything in the Forge with it.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 5 * time.Second

// Health is the edge's self-reported state. IsReachable false means the
// call itself failed and the other fields are zero values.
type Health struct {
	Circuit        string `json:"Circuit"`
	LastTripReason string `json:"LastTripReason"`
	QueueDepth     int    `json:"QueueDepth"`
	UptimeSeconds  int64  `json:"UptimeSeconds"`
	IsReachable    bool   `json:"IsReachable"`
}

// Client talks to one edge instance.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		log:     slog.With("component", "edge-client"),
	}
}

// Health queries the edge. Failures return the unreachable default, never
// an error: callers render whatever comes back.
func (c *Client) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/health", nil)
	if err != nil {
		return Health{}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("Edge unreachable", "error", err)
		return Health{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("Edge health returned non-200", "status", resp.StatusCode)
		return Health{}
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		c.log.Debug("Edge health decode failed", "error", err)
		return Health{}
	}
	h.IsReachable = true
	return h
}

// ResetCircuit asks the edge to close its write circuit breaker.
func (c *Client) ResetCircuit(ctx context.Context) (bool, error) {
	resp, err := c.post(ctx, "/internal/circuit-reset")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode circuit reset response: %w", err)
	}
	return out.Success, nil
}

// ClearGeoCache invalidates the edge's in-process geo cache, typically
// after the offline databases are refreshed on disk.
func (c *Client) ClearGeoCache(ctx context.Context) error {
	resp, err := c.post(ctx, "/internal/geo-cache/clear")
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geo cache clear returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("build edge request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge %s: %w", path, err)
	}
	return resp, nil
}
