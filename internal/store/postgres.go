package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS healed_selectors (
            fingerprint      TEXT PRIMARY KEY,
            healed_selector  TEXT NOT NULL,
            created_at       TIMESTAMPTZ NOT NULL,
            last_accessed_at TIMESTAMPTZ NOT NULL,
            hit_count        BIGINT NOT NULL DEFAULT 0,
            source_strategy  TEXT NOT NULL
        );
    `
	sqlLoad = `
        SELECT healed_selector, created_at, last_accessed_at, hit_count, source_strategy
        FROM healed_selectors
        WHERE fingerprint = $1;
    `
	sqlUpsert = `
        INSERT INTO healed_selectors (fingerprint, healed_selector, created_at, last_accessed_at, hit_count, source_strategy)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (fingerprint) DO UPDATE SET
            healed_selector = EXCLUDED.healed_selector,
            created_at = EXCLUDED.created_at,
            last_accessed_at = EXCLUDED.last_accessed_at,
            hit_count = EXCLUDED.hit_count,
            source_strategy = EXCLUDED.source_strategy;
    `
	sqlDelete = `DELETE FROM healed_selectors WHERE fingerprint = $1;`
	sqlPurge  = `DELETE FROM healed_selectors;`
	sqlCount  = `SELECT count(*) FROM healed_selectors;`
)

// PostgresStore persists entries in the healed_selectors table.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresStore verifies the connection and ensures the table exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateTable); err != nil {
		return nil, fmt.Errorf("failed to create healed_selectors table: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("postgres_store")}, nil
}

func (s *PostgresStore) Load(ctx context.Context, fp string) (schemas.CacheEntry, bool, error) {
	e := schemas.CacheEntry{Fingerprint: fp}
	err := s.pool.QueryRow(ctx, sqlLoad, fp).Scan(
		&e.HealedSelector, &e.CreatedAt, &e.LastAccessedAt, &e.HitCount, &e.SourceStrategy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.CacheEntry{}, false, nil
	}
	if err != nil {
		return schemas.CacheEntry{}, false, fmt.Errorf("failed to load selector: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, e schemas.CacheEntry) error {
	_, err := s.pool.Exec(ctx, sqlUpsert,
		e.Fingerprint, e.HealedSelector, e.CreatedAt.UTC(), e.LastAccessedAt.UTC(), e.HitCount, e.SourceStrategy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert selector: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, fp string) error {
	if _, err := s.pool.Exec(ctx, sqlDelete, fp); err != nil {
		return fmt.Errorf("failed to delete selector: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, sqlPurge)
	if err != nil {
		return fmt.Errorf("failed to purge selectors: %w", err)
	}
	s.log.Info("Purged healed selectors.", zap.Int64("rows", tag.RowsAffected()))
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, sqlCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count selectors: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
