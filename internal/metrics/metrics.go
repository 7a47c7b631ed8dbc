// Package metrics registers the Prometheus instruments for the Forge and
// keeps a lock-free snapshot of the headline counters for the ops endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the enrichment service.
type Metrics struct {
	// Intake metrics
	RecordsReceived  *prometheus.CounterVec
	RecordsMalformed prometheus.Counter
	RecordsDropped   *prometheus.CounterVec

	// Pipeline metrics
	EnrichDuration  *prometheus.HistogramVec
	EnrichErrors    *prometheus.CounterVec
	QueryTruncation prometheus.Counter

	// Writer metrics
	BatchSize      prometheus.Histogram
	BatchDuration  prometheus.Histogram
	RecordsWritten prometheus.Counter
	WriteFailures  *prometheus.CounterVec
	DeadLettered   prometheus.Counter
	BreakerState   prometheus.Gauge

	// Channel depth gauges
	EnrichQueueDepth prometheus.Gauge
	WriterQueueDepth prometheus.Gauge

	// ETL + maintenance metrics
	EtlRuns      *prometheus.CounterVec
	EtlDuration  *prometheus.HistogramVec
	EtlRows      *prometheus.CounterVec
	EtlDeadlocks prometheus.Counter
	PurgedRows   prometheus.Counter
	IndexActions *prometheus.CounterVec

	// Lookup metrics
	GeoAPICalls    *prometheus.CounterVec
	KnownIPs       prometheus.Gauge
	SessionsLive   prometheus.Gauge
	ReplayCacheLen prometheus.Gauge

	snap snapshot
}

// snapshot is the atomics behind the JSON stats endpoint. Prometheus owns
// the full series; these are just the numbers an operator asks for first.
type snapshot struct {
	received  atomic.Int64
	enriched  atomic.Int64
	written   atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// Snapshot is the wire form served by the ops endpoint.
type Snapshot struct {
	Received  int64 `json:"received"`
	Enriched  int64 `json:"enriched"`
	Written   int64 `json:"written"`
	Dropped   int64 `json:"dropped"`
	Malformed int64 `json:"malformed"`
}

// New creates all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on reg. Tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_records_received_total",
				Help: "Records accepted off the transport, by source",
			},
			[]string{"source"}, // source: pipe, failover
		),

		RecordsMalformed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_records_malformed_total",
				Help: "Lines that failed JSON decoding and were discarded",
			},
		),

		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_records_dropped_total",
				Help: "Records dropped under backpressure, by stage",
			},
			[]string{"stage"}, // stage: enrichment_queue, writer_queue
		),

		EnrichDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_enrich_step_duration_seconds",
				Help:    "Wall time of each enrichment step",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
			},
			[]string{"step"},
		),

		EnrichErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_enrich_step_errors_total",
				Help: "Enrichment steps that returned an error and were skipped",
			},
			[]string{"step"},
		),

		QueryTruncation: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_query_string_truncations_total",
				Help: "Server parameters dropped because the query string hit its cap",
			},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forge_writer_batch_size",
				Help:    "Number of records per bulk insert",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forge_writer_batch_duration_seconds",
				Help:    "Duration of each bulk insert",
				Buckets: prometheus.DefBuckets,
			},
		),

		RecordsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_records_written_total",
				Help: "Records committed to the raw hit table",
			},
		),

		WriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_write_failures_total",
				Help: "Bulk insert failures, by disposition",
			},
			[]string{"disposition"}, // disposition: retried, deadlettered
		),

		DeadLettered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_records_deadlettered_total",
				Help: "Records spilled to the JSONL dead-letter directory",
			},
		),

		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_writer_breaker_state",
				Help: "Writer circuit state: 0 closed, 1 half-open, 2 open",
			},
		),

		EnrichQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_enrichment_queue_depth",
				Help: "Records waiting in the enrichment channel",
			},
		),

		WriterQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_writer_queue_depth",
				Help: "Records waiting in the writer channel",
			},
		),

		EtlRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_etl_runs_total",
				Help: "ETL procedure executions, by procedure and outcome",
			},
			[]string{"procedure", "outcome"}, // outcome: ok, error, deadlock
		),

		EtlDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_etl_duration_seconds",
				Help:    "Duration of each ETL procedure call",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"procedure"},
		),

		EtlRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_etl_rows_total",
				Help: "Rows reported processed by each ETL procedure",
			},
			[]string{"procedure"},
		),

		EtlDeadlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_etl_deadlocks_total",
				Help: "Deadlock retries observed while running ETL procedures",
			},
		),

		PurgedRows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_maintenance_purged_rows_total",
				Help: "Raw hit rows removed by the nightly purge",
			},
		),

		IndexActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_maintenance_index_actions_total",
				Help: "Index maintenance decisions, by action",
			},
			[]string{"action"}, // action: rebuild, analyze, skip
		),

		GeoAPICalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_geo_api_calls_total",
				Help: "Geo IP lookups, by outcome",
			},
			[]string{"outcome"}, // outcome: cache_hit, api_ok, api_fail, limited
		),

		KnownIPs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_known_ips",
				Help: "Entries in the in-memory known IP cache",
			},
		),

		SessionsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_sessions_live",
				Help: "Visitor sessions currently tracked",
			},
		),

		ReplayCacheLen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_replay_cache_entries",
				Help: "Mouse path hashes held by the replay detector",
			},
		),
	}
}

// RecordReceived counts an accepted record from the given source.
func (m *Metrics) RecordReceived(source string) {
	m.RecordsReceived.WithLabelValues(source).Inc()
	m.snap.received.Add(1)
}

// RecordMalformed counts a line that failed decoding.
func (m *Metrics) RecordMalformed() {
	m.RecordsMalformed.Inc()
	m.snap.malformed.Add(1)
}

// RecordDropped counts a record shed by a full channel.
func (m *Metrics) RecordDropped(stage string) {
	m.RecordsDropped.WithLabelValues(stage).Inc()
	m.snap.dropped.Add(1)
}

// RecordEnriched counts a record that completed the pipeline.
func (m *Metrics) RecordEnriched() {
	m.snap.enriched.Add(1)
}

// RecordStep records one enrichment step outcome.
func (m *Metrics) RecordStep(step string, seconds float64, err error) {
	m.EnrichDuration.WithLabelValues(step).Observe(seconds)
	if err != nil {
		m.EnrichErrors.WithLabelValues(step).Inc()
	}
}

// RecordBatch records a committed bulk insert.
func (m *Metrics) RecordBatch(size int, seconds float64) {
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.Observe(seconds)
	m.RecordsWritten.Add(float64(size))
	m.snap.written.Add(int64(size))
}

// RecordEtl records one ETL procedure execution.
func (m *Metrics) RecordEtl(procedure, outcome string, seconds float64, rows int64) {
	m.EtlRuns.WithLabelValues(procedure, outcome).Inc()
	m.EtlDuration.WithLabelValues(procedure).Observe(seconds)
	if rows > 0 {
		m.EtlRows.WithLabelValues(procedure).Add(float64(rows))
	}
}

// Stats returns the headline counters for the ops endpoint.
func (m *Metrics) Stats() Snapshot {
	return Snapshot{
		Received:  m.snap.received.Load(),
		Enriched:  m.snap.enriched.Load(),
		Written:   m.snap.written.Load(),
		Dropped:   m.snap.dropped.Load(),
		Malformed: m.snap.malformed.Load(),
	}
}
