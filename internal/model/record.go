// Package model defines the TrackingRecord that travels the capture pipeline
// and the append-only query-string parameter bag the enrichment steps write
// into. The record is the wire unit between the edge and the Forge: one JSON
// object per line, schema fixed by the edge capture tier.
package model

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxHeaderFieldLen bounds UserAgent and Referer. The edge enforces this
	// at capture; the Forge re-applies it on decode so a misbehaving producer
	// cannot inflate rows.
	MaxHeaderFieldLen = 2000

	// DefaultQueryCap is the hard ceiling on QueryString growth during
	// enrichment. Appends past the cap are dropped and counted, never
	// partially written.
	DefaultQueryCap = 32 * 1024

	// MaxLineBytes bounds one wire line (JSON object plus newline).
	MaxLineBytes = 64 * 1024

	// ServerKeyPrefix marks query-string keys written by enrichment steps.
	ServerKeyPrefix = "_srv_"
)

// Record is one tracking hit. Field names follow the Forge's internal naming;
// JSON tags follow the edge wire schema exactly.
type Record struct {
	CompanyID   string    `json:"CompanyID"`
	PixelID     string    `json:"PiXLID"`
	IPAddress   string    `json:"IPAddress"`
	UserAgent   string    `json:"UserAgent"`
	Referer     string    `json:"Referer"`
	QueryString string    `json:"QueryString"`
	RequestPath string    `json:"RequestPath"`
	HeadersJSON string    `json:"HeadersJson"`
	ReceivedAt  time.Time `json:"ReceivedAt"`

	params    url.Values
	queryCap  int
	truncated int
}

// Decode parses one wire line into a Record and normalizes bounded fields.
// ReceivedAt is preserved as sent by the edge and never overwritten here.
func Decode(line []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	if len(r.UserAgent) > MaxHeaderFieldLen {
		r.UserAgent = r.UserAgent[:MaxHeaderFieldLen]
	}
	if len(r.Referer) > MaxHeaderFieldLen {
		r.Referer = r.Referer[:MaxHeaderFieldLen]
	}
	return &r, nil
}

// Encode renders the record back to its wire form (no trailing newline).
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// SetQueryCap overrides the QueryString growth ceiling. Zero keeps the
// default.
func (r *Record) SetQueryCap(n int) {
	if n > 0 {
		r.queryCap = n
	}
}

func (r *Record) cap() int {
	if r.queryCap > 0 {
		return r.queryCap
	}
	return DefaultQueryCap
}

// ensureParams parses QueryString once, lazily. Malformed pairs are kept
// as-is by url.ParseQuery where possible; a hard parse failure leaves an
// empty view so lookups simply miss.
func (r *Record) ensureParams() {
	if r.params != nil {
		return
	}
	v, err := url.ParseQuery(strings.TrimSuffix(r.QueryString, "&"))
	if err != nil || v == nil {
		v = url.Values{}
	}
	r.params = v
}

// Param returns the first value for key, or "" when absent.
func (r *Record) Param(key string) string {
	r.ensureParams()
	return r.params.Get(key)
}

// HasParam reports whether key is present, even with an empty value.
func (r *Record) HasParam(key string) bool {
	r.ensureParams()
	_, ok := r.params[key]
	return ok
}

// ParamKeys returns the set of keys currently visible, client and server.
func (r *Record) ParamKeys() map[string]struct{} {
	r.ensureParams()
	keys := make(map[string]struct{}, len(r.params))
	for k := range r.params {
		keys[k] = struct{}{}
	}
	return keys
}

// AppendParam appends one URL-encoded key=value pair to QueryString and makes
// it visible to later Param reads. Enrichment keys (_srv_*) are first-writer-
// wins: a second append under the same key is dropped. Appends that would
// push QueryString past the cap are dropped whole and counted. Returns true
// when the pair was written.
func (r *Record) AppendParam(key, value string) bool {
	r.ensureParams()
	if strings.HasPrefix(key, ServerKeyPrefix) && r.HasParam(key) {
		return false
	}
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value) + "&"
	if len(r.QueryString)+len(pair)+1 > r.cap() {
		r.truncated++
		return false
	}
	if r.QueryString != "" && !strings.HasSuffix(r.QueryString, "&") {
		r.QueryString += "&"
	}
	r.QueryString += pair
	r.params.Add(key, value)
	return true
}

// TruncatedAppends reports how many appends were dropped by the cap.
func (r *Record) TruncatedAppends() int { return r.truncated }

// Fingerprint returns the edge-computed device fingerprint carried in the
// query string, the key for session stitching and cross-customer tracking.
func (r *Record) Fingerprint() string { return r.Param("fp") }

// Clone returns a deep copy safe to mutate independently. The parsed view is
// rebuilt on first use in the copy.
func (r *Record) Clone() *Record {
	c := *r
	c.params = nil
	return &c
}
