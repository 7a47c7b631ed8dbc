// Package storage is the Forge's single seam to Postgres: the raw hit
// table bulk load, the external geo cache, ETL watermarks, the known-IP
// seed stream and the maintenance surface. Every method takes a context
// and returns wrapped errors; nothing here retries, that is the callers'
// policy.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/smartpixl/forge/internal/enrich"
	"github.com/smartpixl/forge/internal/model"
)

const (
	rawTable       = "pixel_hits_raw"
	ipCacheTable   = "ip_api_cache"
	watermarkTbl   = "etl_watermarks"
	remediationTbl = "remediation_log"
)

// deadlockSQLState is Postgres's deadlock_detected. The ETL scheduler
// retries these with backoff; everything else fails the cycle.
const deadlockSQLState = "40P01"

// Store wraps the shared connection pool.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects, applies pool bounds and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing pool. Tests pass sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, log: slog.With("component", "storage")}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for components that share it.
func (s *Store) DB() *sql.DB { return s.db }

// IsDeadlock reports whether err is a Postgres deadlock victim error.
func IsDeadlock(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == deadlockSQLState
}

// InsertHits bulk-loads one batch into the raw table over the COPY
// protocol, all or nothing inside one transaction.
func (s *Store) InsertHits(ctx context.Context, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(rawTable,
		"company_id", "pixel_id", "ip_address", "user_agent", "referer",
		"query_string", "request_path", "headers_json", "received_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.CompanyID, rec.PixelID, rec.IPAddress, rec.UserAgent,
			rec.Referer, rec.QueryString, rec.RequestPath, rec.HeadersJSON,
			rec.ReceivedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy row: %w", err)
		}
	}
	// Final empty Exec flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

// UpsertIPGeo merges one external lookup into the IP cache, keyed by IP.
// Non-null incoming fields win over stored ones; a null incoming field
// never erases data from an earlier lookup.
func (s *Store) UpsertIPGeo(ctx context.Context, res *enrich.IPGeoResult) error {
	const q = `
		INSERT INTO ` + ipCacheTable + `
			(ip, country, country_code, region, city, lat, lon, isp, org, asn, proxy, hosting, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ip) DO UPDATE SET
			country      = COALESCE(NULLIF(EXCLUDED.country, ''), ` + ipCacheTable + `.country),
			country_code = COALESCE(NULLIF(EXCLUDED.country_code, ''), ` + ipCacheTable + `.country_code),
			region       = COALESCE(NULLIF(EXCLUDED.region, ''), ` + ipCacheTable + `.region),
			city         = COALESCE(NULLIF(EXCLUDED.city, ''), ` + ipCacheTable + `.city),
			lat          = CASE WHEN EXCLUDED.lat <> 0 THEN EXCLUDED.lat ELSE ` + ipCacheTable + `.lat END,
			lon          = CASE WHEN EXCLUDED.lon <> 0 THEN EXCLUDED.lon ELSE ` + ipCacheTable + `.lon END,
			isp          = COALESCE(NULLIF(EXCLUDED.isp, ''), ` + ipCacheTable + `.isp),
			org          = COALESCE(NULLIF(EXCLUDED.org, ''), ` + ipCacheTable + `.org),
			asn          = COALESCE(NULLIF(EXCLUDED.asn, ''), ` + ipCacheTable + `.asn),
			proxy        = EXCLUDED.proxy,
			hosting      = EXCLUDED.hosting,
			fetched_at   = EXCLUDED.fetched_at`

	if _, err := s.db.ExecContext(ctx, q,
		res.IP, res.Country, res.CountryCode, res.Region, res.City,
		res.Lat, res.Lon, res.ISP, res.Org, res.ASN, res.Proxy, res.Hosting,
		res.FetchedAt); err != nil {
		return fmt.Errorf("upsert ip geo %s: %w", res.IP, err)
	}
	return nil
}

// StreamKnownIPs walks the IP cache and feeds each (ip, fetched_at) pair
// to fn. The production table is enormous; rows stream through one at a
// time so startup memory stays flat. Startup blocks on this and may take
// tens of seconds, which is logged, expected and accepted.
func (s *Store) StreamKnownIPs(ctx context.Context, fn func(ip string, lastSeen time.Time)) (int, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, fetched_at FROM `+ipCacheTable+` WHERE ip IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("query known ips: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var ip string
		var fetchedAt time.Time
		if err := rows.Scan(&ip, &fetchedAt); err != nil {
			return n, fmt.Errorf("scan known ip: %w", err)
		}
		fn(ip, fetchedAt)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("stream known ips: %w", err)
	}
	s.log.Info("Known IP cache loaded", "ips", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return n, nil
}

// Watermark is one ETL procedure's progress row.
type Watermark struct {
	ProcessName     string
	LastProcessedID int64
	RowsProcessed   int64
	LastRunAt       time.Time
}

// Watermarks reads all ETL progress rows. The procedures advance their
// own watermarks inside their transactions; the Forge only observes.
func (s *Store) Watermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT process_name, last_processed_id, rows_processed, last_run_at
		 FROM `+watermarkTbl+` ORDER BY process_name`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		if err := rows.Scan(&w.ProcessName, &w.LastProcessedID, &w.RowsProcessed, &w.LastRunAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CallProc runs one ETL procedure and returns the metrics it reports in
// its first result row: rows processed and the watermark it advanced to.
func (s *Store) CallProc(ctx context.Context, name string) (rows int64, lastID int64, err error) {
	// Procedure names come from the fixed scheduler list, never from input.
	err = s.db.QueryRowContext(ctx,
		`SELECT rows_processed, last_id FROM `+name+`()`).Scan(&rows, &lastID)
	if err != nil {
		return 0, 0, fmt.Errorf("etl procedure %s: %w", name, err)
	}
	return rows, lastID, nil
}

// PurgeChunk deletes up to limit raw rows older than the retention window
// and reports how many went. The maintenance loop calls this repeatedly
// with pauses so the table never takes a long exclusive vacuum-feeding
// delete.
func (s *Store) PurgeChunk(ctx context.Context, retentionDays, limit int) (int64, error) {
	const q = `
		DELETE FROM ` + rawTable + `
		WHERE id IN (
			SELECT id FROM ` + rawTable + `
			WHERE received_at < now() - ($1 || ' days')::interval
			LIMIT $2
		)`
	res, err := s.db.ExecContext(ctx, q, retentionDays, limit)
	if err != nil {
		return 0, fmt.Errorf("purge chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// IndexStat describes one index on the raw table for the weekly pass.
type IndexStat struct {
	Name          string
	Pages         int64
	Fragmentation float64 // leaf fragmentation percent
}

// IndexStats reads pgstattuple's leaf fragmentation for the raw table's
// btree indexes. Requires the pgstattuple extension; a missing extension
// surfaces as an error the maintenance loop downgrades to a warning.
func (s *Store) IndexStats(ctx context.Context) ([]IndexStat, error) {
	const q = `
		SELECT c.relname,
		       c.relpages::bigint,
		       (pgstatindex(c.oid)).leaf_fragmentation
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indexrelid
		JOIN pg_class t ON t.oid = i.indrelid
		WHERE t.relname = $1 AND c.relam = (SELECT oid FROM pg_am WHERE amname = 'btree')`
	rows, err := s.db.QueryContext(ctx, q, rawTable)
	if err != nil {
		return nil, fmt.Errorf("query index stats: %w", err)
	}
	defer rows.Close()

	var out []IndexStat
	for rows.Next() {
		var st IndexStat
		if err := rows.Scan(&st.Name, &st.Pages, &st.Fragmentation); err != nil {
			return nil, fmt.Errorf("scan index stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ReindexConcurrently rebuilds one index without blocking writes.
func (s *Store) ReindexConcurrently(ctx context.Context, index string) error {
	if _, err := s.db.ExecContext(ctx, `REINDEX INDEX CONCURRENTLY `+pq.QuoteIdentifier(index)); err != nil {
		return fmt.Errorf("reindex %s: %w", index, err)
	}
	return nil
}

// VacuumAnalyzeRaw reorganizes the raw table in place.
func (s *Store) VacuumAnalyzeRaw(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM (ANALYZE) `+rawTable); err != nil {
		return fmt.Errorf("vacuum analyze: %w", err)
	}
	return nil
}

// AuditMaintenance appends one row to the remediation log.
func (s *Store) AuditMaintenance(ctx context.Context, action, detail string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO `+remediationTbl+` (action, detail, performed_at) VALUES ($1, $2, now())`,
		action, detail); err != nil {
		return fmt.Errorf("audit maintenance: %w", err)
	}
	return nil
}
