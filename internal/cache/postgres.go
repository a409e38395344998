package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_entry (
	key           TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	payload       BYTEA,
	job_reference TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entry_stage ON cache_entry (stage);
`

// PostgresConfig tunes the shared cache pool for deployments where several
// hosts coordinate on one store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore is a Store backed by a shared Postgres database, for
// multi-host deployments where a local SQLite file cannot be shared.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres creates the pool and ensures the cache table exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse cache dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "submittal-judge"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect cache db: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	logger.Info("cache.postgres.open")
	return &PostgresStore{pool: pool, log: logger}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// HealthCheck pings the pool to catch DSN issues early.
func (s *PostgresStore) HealthCheck(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, stage, payload, job_reference, created_at FROM cache_entry WHERE key = $1`, key)
	var e Entry
	var payload []byte
	if err := row.Scan(&e.Key, &e.Stage, &payload, &e.JobReference, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	e.Payload = payload
	return &e, nil
}

func (s *PostgresStore) Put(ctx context.Context, e Entry) (*Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entry (key, stage, payload, job_reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			payload = excluded.payload,
			job_reference = excluded.job_reference`,
		e.Key, e.Stage, []byte(e.Payload), e.JobReference, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("cache put: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM cache_entry WHERE key = $1`, key).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache has: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entry WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}
