package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"vetbox/internal/config"
)

// ErrNotFound is returned when no verdict exists for a hash.
var ErrNotFound = errors.New("verdict not found")

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id                   TEXT PRIMARY KEY,
	sha256               TEXT NOT NULL,
	filename             TEXT NOT NULL DEFAULT '',
	size_bytes           BIGINT NOT NULL DEFAULT 0,
	level                TEXT NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	composite            DOUBLE PRECISION NOT NULL,
	static_component     DOUBLE PRECISION NOT NULL,
	ml_component         DOUBLE PRECISION NOT NULL,
	behavioral_component DOUBLE PRECISION NOT NULL,
	stage                TEXT NOT NULL,
	timed_out            BOOLEAN NOT NULL DEFAULT FALSE,
	exit_status          INTEGER NOT NULL DEFAULT 0,
	triggered_rules      TEXT[] NOT NULL DEFAULT '{}',
	behaviors            TEXT[] NOT NULL DEFAULT '{}',
	metrics              JSONB,
	duration_ms          BIGINT NOT NULL DEFAULT 0,
	request_ip           TEXT NOT NULL DEFAULT '',
	api_key_hash         TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS verdicts_sha256_created_idx ON verdicts (sha256, created_at DESC);
CREATE INDEX IF NOT EXISTS verdicts_level_idx ON verdicts (level);`

// DB wraps a PostgreSQL connection pool for the verdict audit log.
type DB struct {
	pool *pgxpool.Pool
}

// New creates the connection pool and makes sure the verdicts table exists.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = int32(max(cfg.MaxOpenConns, 1))
	poolCfg.MinConns = int32(min(max(cfg.MaxIdleConns, 0), cfg.MaxOpenConns))
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogVerdict inserts a verdict into the audit log.
func (db *DB) LogVerdict(ctx context.Context, rec *VerdictRecord) error {
	query := `
		INSERT INTO verdicts (id, sha256, filename, size_bytes, level, confidence,
			composite, static_component, ml_component, behavioral_component,
			stage, timed_out, exit_status, triggered_rules, behaviors, metrics,
			duration_ms, request_ip, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.SHA256, truncateForDB(rec.Filename, 1024), rec.SizeBytes,
		rec.Level, rec.Confidence,
		rec.Composite, rec.Static, rec.ML, rec.Behavioral,
		rec.Stage, rec.TimedOut, rec.ExitStatus,
		nonNil(rec.Rules), nonNil(rec.Behaviors), rec.Metrics,
		rec.DurationMS, rec.RequestIP, rec.APIKeyHash, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting verdict: %w", err)
	}
	return nil
}

const selectColumns = `
		SELECT id, sha256, filename, size_bytes, level, confidence,
			composite, static_component, ml_component, behavioral_component,
			stage, timed_out, exit_status, triggered_rules, behaviors, metrics,
			duration_ms, request_ip, api_key_hash, created_at
		FROM verdicts`

func scanVerdict(row pgx.Row) (*VerdictRecord, error) {
	var rec VerdictRecord
	err := row.Scan(
		&rec.ID, &rec.SHA256, &rec.Filename, &rec.SizeBytes,
		&rec.Level, &rec.Confidence,
		&rec.Composite, &rec.Static, &rec.ML, &rec.Behavioral,
		&rec.Stage, &rec.TimedOut, &rec.ExitStatus,
		&rec.Rules, &rec.Behaviors, &rec.Metrics,
		&rec.DurationMS, &rec.RequestIP, &rec.APIKeyHash, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetVerdict returns the most recent verdict for a content hash.
func (db *DB) GetVerdict(ctx context.Context, sha256 string) (*VerdictRecord, error) {
	query := selectColumns + `
		WHERE sha256 = $1
		ORDER BY created_at DESC
		LIMIT 1`

	rec, err := scanVerdict(db.pool.QueryRow(ctx, query, sha256))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying verdict %s: %w", sha256, err)
	}
	return rec, nil
}

// ListVerdicts queries verdicts with optional filters, newest first.
func (db *DB) ListVerdicts(ctx context.Context, filter VerdictFilter) ([]VerdictRecord, error) {
	query := selectColumns + `
		WHERE ($1 = '' OR level = $1)
		  AND ($2 = '' OR stage = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Level, filter.Stage, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying verdicts: %w", err)
	}
	defer rows.Close()

	var results []VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning verdict row: %w", err)
		}
		results = append(results, *rec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
