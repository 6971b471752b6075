package offercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dgerritsen-rgb/ToyotaAyvensCompare/engine/domain"
)

// pgConn is the subset of *pgxpool.Pool the cache uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS lease_offers (
    identity_key TEXT PRIMARY KEY,
    provider     TEXT NOT NULL,
    record       JSONB NOT NULL,
    scraped_at   TIMESTAMPTZ NOT NULL,
    version      BIGINT NOT NULL DEFAULT 1,
    removed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS lease_offers_provider_idx ON lease_offers (provider);
`

// PostgresCache stores one row per identity in lease_offers. The record body
// is JSONB; version and tombstone live in their own columns.
type PostgresCache struct {
	db   pgConn
	pool *pgxpool.Pool
	opts Options
}

var _ Cache = (*PostgresCache)(nil)

// OpenPostgres connects with dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("offercache: pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("offercache: ping postgres: %w", err)
	}
	c := &PostgresCache{db: pool, pool: pool, opts: opts}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the table if it does not exist.
func (c *PostgresCache) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("offercache: migrate: %w", err)
	}
	return nil
}

// decodeRow rebuilds a record from its columns. The columns win over the
// JSON body for version and tombstone state.
func (c *PostgresCache) decodeRow(key string, body []byte, version int64, removedAt *time.Time) (domain.OfferRecord, bool) {
	var rec domain.OfferRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		c.opts.logger().Error("offercache: corrupt record treated as miss", "key", key, "error", err)
		return rec, false
	}
	rec.Version = version
	rec.Removed = removedAt != nil
	rec.RemovedAt = time.Time{}
	if removedAt != nil {
		rec.RemovedAt = removedAt.UTC()
	}
	return rec, true
}

func (c *PostgresCache) Get(ctx context.Context, id domain.VehicleIdentity) (domain.OfferRecord, error) {
	var (
		body      []byte
		version   int64
		removedAt *time.Time
	)
	key := id.Key()
	err := c.db.QueryRow(ctx,
		`SELECT record, version, removed_at FROM lease_offers WHERE identity_key = $1`, key).
		Scan(&body, &version, &removedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OfferRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.OfferRecord{}, fmt.Errorf("offercache: get %s: %w", key, err)
	}
	rec, ok := c.decodeRow(key, body, version, removedAt)
	if !ok {
		return domain.OfferRecord{}, ErrNotFound
	}
	return rec, nil
}

func (c *PostgresCache) Put(ctx context.Context, rec domain.OfferRecord) (int64, error) {
	rec, err := prepare(rec)
	if err != nil {
		return 0, err
	}
	rec.Version = 0
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("offercache: encode: %w", err)
	}
	key := rec.Identity.Key()
	var version int64
	err = c.db.QueryRow(ctx, `
INSERT INTO lease_offers (identity_key, provider, record, scraped_at, version, removed_at)
VALUES ($1, $2, $3, $4, 1, NULL)
ON CONFLICT (identity_key) DO UPDATE
SET provider = EXCLUDED.provider,
    record = EXCLUDED.record,
    scraped_at = EXCLUDED.scraped_at,
    version = lease_offers.version + 1,
    removed_at = NULL
RETURNING version`,
		key, string(rec.Identity.Provider), body, rec.ScrapedAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("offercache: put %s: %w", key, err)
	}
	return version, nil
}

func (c *PostgresCache) MarkRemoved(ctx context.Context, id domain.VehicleIdentity, at time.Time) error {
	key := id.Key()
	tag, err := c.db.Exec(ctx,
		`UPDATE lease_offers SET removed_at = COALESCE(removed_at, $2) WHERE identity_key = $1`,
		key, at.UTC())
	if err != nil {
		return fmt.Errorf("offercache: mark removed %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCache) ListAll(ctx context.Context) ([]domain.OfferRecord, error) {
	return c.list(ctx, `SELECT identity_key, record, version, removed_at FROM lease_offers ORDER BY identity_key`)
}

func (c *PostgresCache) ListProvider(ctx context.Context, p domain.Provider) ([]domain.OfferRecord, error) {
	return c.list(ctx, `SELECT identity_key, record, version, removed_at FROM lease_offers WHERE provider = $1 ORDER BY identity_key`, string(p))
}

func (c *PostgresCache) list(ctx context.Context, q string, args ...any) ([]domain.OfferRecord, error) {
	rows, err := c.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("offercache: list: %w", err)
	}
	defer rows.Close()

	var out []domain.OfferRecord
	for rows.Next() {
		var (
			key       string
			body      []byte
			version   int64
			removedAt *time.Time
		)
		if err := rows.Scan(&key, &body, &version, &removedAt); err != nil {
			return nil, fmt.Errorf("offercache: list: %w", err)
		}
		if rec, ok := c.decodeRow(key, body, version, removedAt); ok {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offercache: list: %w", err)
	}
	// Database collation may not order keys bytewise.
	sortByKey(out)
	return out, nil
}

func (c *PostgresCache) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
