package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const redisConnectTimeout = 5 * time.Second

// RedisStore keeps one key per fingerprint. Keys expire with the write TTL so Redis drops stale
// entries on its own.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	writeTTL time.Duration
	log      *zap.Logger
}

// NewRedisClient connects and pings the server.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, writeTTL time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, writeTTL: writeTTL, log: logger.Named("redis_store")}
}

func (s *RedisStore) key(fp string) string { return s.prefix + fp }

func (s *RedisStore) Load(ctx context.Context, fp string) (schemas.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return schemas.CacheEntry{}, false, nil
	}
	if err != nil {
		return schemas.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e schemas.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil || !e.Valid() {
		s.log.Warn("Dropping corrupt selector record.", zap.String("fingerprint", fp), zap.Error(err))
		s.client.Del(ctx, s.key(fp))
		return schemas.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Save writes e with a TTL of whatever remains of its write lifetime.
func (s *RedisStore) Save(ctx context.Context, e schemas.CacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode selector record: %w", err)
	}

	var ttl time.Duration
	if s.writeTTL > 0 {
		ttl = s.writeTTL - time.Since(e.CreatedAt)
		if ttl <= 0 {
			return s.Delete(ctx, e.Fingerprint)
		}
	}
	if err := s.client.Set(ctx, s.key(e.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, fp string) error {
	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge deletes every key under the store's prefix.
func (s *RedisStore) Purge(ctx context.Context) error {
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}
