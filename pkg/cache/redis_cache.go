package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// RedisCache is a Redis-backed response cache shared across service replicas.
// Values are JSON-encoded responses, keyed by fingerprint under a common
// prefix so tenant invalidation can pattern-scan.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(redisCfg config.RedisConfig, cacheCfg config.CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         redisCfg.Address,
		Password:     redisCfg.Password,
		DB:           redisCfg.Database,
		PoolSize:     redisCfg.PoolSize,
		DialTimeout:  redisCfg.DialTimeout,
		ReadTimeout:  redisCfg.ReadTimeout,
		WriteTimeout: redisCfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisCfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Address, err)
	}

	return &RedisCache{
		client:    client,
		keyPrefix: redisCfg.KeyPrefix + ":response:",
		ttl:       cacheCfg.TTL,
		logger:    logger.With("component", "redis-response-cache"),
	}, nil
}

// Get fetches and decodes a cached response. Decode failures are treated
// as misses and the corrupt entry is dropped.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*types.RagQueryResponse, bool) {
	key := c.keyPrefix + fingerprint
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Cache read failed", "error", err)
		return nil, false
	}

	var response types.RagQueryResponse
	if err := json.Unmarshal(data, &response); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		c.client.Del(ctx, key)
		return nil, false
	}
	return &response, true
}

// Put stores a response with the given TTL. Write failures are logged and
// swallowed so a cache outage never fails a query.
func (c *RedisCache) Put(ctx context.Context, fingerprint string, response *types.RagQueryResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Warn("Failed to encode response for caching", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+fingerprint, data, ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", "error", err)
	}
}

// InvalidateTenant scans for the tenant's fingerprint keys and deletes them
// in batches. Fingerprints are tenant-prefixed, so the match pattern is
// exact per tenant.
func (c *RedisCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	pattern := c.keyPrefix + tenantID + ":*"
	var cursor uint64
	var removed int
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan tenant cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete tenant cache keys: %w", err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.logger.Info("Invalidated tenant cache", "tenant_id", tenantID, "entries", removed)
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
