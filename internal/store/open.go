package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// Open builds the durable tier selected by cfg.Store.Type. It returns (nil, nil) for "none".
func Open(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Store.Type {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreFile:
		s, err := NewFileStore(cfg.Store.File.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		client, err := NewRedisClient(cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Store.Redis.KeyPrefix, cfg.ExpireAfterWrite, logger), nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store type %q", cfg.Store.Type)
}
