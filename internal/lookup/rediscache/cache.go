// Package rediscache is a read-through Redis cache in front of a lookup source.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iudanet/benchkeeper/internal/lookup"
	"github.com/iudanet/benchkeeper/internal/models"
)

// DefaultTTL время жизни записи кеша
const DefaultTTL = time.Hour

const keyPrefix = "benchkeeper:lookup:"

// Cache кеширует успешные ответы источника. ErrNotFound не кешируется,
// чтобы вручную зарегистрированный в CMDB актив находился сразу.
type Cache struct {
	c      *redis.Client
	next   lookup.Lookup
	logger *slog.Logger
	ttl    time.Duration
}

var _ lookup.Lookup = (*Cache)(nil)

// New creates a cache for the Redis server at addr
func New(addr string, next lookup.Lookup, ttl time.Duration, logger *slog.Logger) *Cache {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), next, ttl, logger)
}

// NewWithClient wraps an existing Redis client
func NewWithClient(c *redis.Client, next lookup.Lookup, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{c: c, next: next, ttl: ttl, logger: logger}
}

// Lookup returns cached metadata or asks the source and caches the answer.
// Redis failures degrade to a direct call to the source.
func (r *Cache) Lookup(ctx context.Context, tagOrSerial string) (*models.AssetMetadata, error) {
	key := keyPrefix + strings.ToUpper(strings.TrimSpace(tagOrSerial))

	b, ok, err := r.get(ctx, key)
	if err != nil {
		r.logger.Warn("Lookup cache read failed", "key", key, "error", err)
	}
	if ok {
		var md models.AssetMetadata
		if err := json.Unmarshal(b, &md); err == nil {
			return &md, nil
		}
		r.logger.Warn("Lookup cache entry is corrupted", "key", key)
	}

	md, err := r.next.Lookup(ctx, tagOrSerial)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(md); err == nil {
		if err := r.set(ctx, key, b); err != nil {
			r.logger.Warn("Lookup cache write failed", "key", key, "error", err)
		}
	}
	return md, nil
}

// Close closes the Redis client
func (r *Cache) Close() error {
	return r.c.Close()
}

func (r *Cache) get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (r *Cache) set(ctx context.Context, key string, value []byte) error {
	if err := r.c.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
