package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by Redis. It uses a simple key structure:
//
//	<prefix>etag:<tenant>:<collection>  => opaque ETag token
//	<prefix>name:<tenant>:<eid>         => cached display name
//
// Tokens are random UUIDs regenerated on demand after a reset; names expire
// so directory renames eventually propagate without an explicit flush.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	nameTTL time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache. prefix is optional; a trailing ":"
// separator is appended when missing.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "hyperflow"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisCache{
		client:  client,
		prefix:  prefix,
		nameTTL: 24 * time.Hour,
	}
}

func (c *RedisCache) keyETag(key string) string { return c.prefix + key }

func (c *RedisCache) keyName(tenant, eid string) string {
	return c.prefix + "name:" + tenant + ":" + eid
}

func (c *RedisCache) GetETag(ctx context.Context, key string) (string, error) {
	k := c.keyETag(key)

	tag, err := c.client.Get(ctx, k).Result()
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}

	// Generate a fresh token. SetNX so concurrent generators agree on one
	// winner; re-read on loss.
	tag = uuid.NewString()
	ok, err := c.client.SetNX(ctx, k, tag, 0).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return tag, nil
	}
	return c.client.Get(ctx, k).Result()
}

func (c *RedisCache) ResetETag(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.keyETag(key)).Err()
}

func (c *RedisCache) GetUserName(ctx context.Context, tenant, eid string, resolve func() (string, error)) (string, error) {
	k := c.keyName(tenant, eid)

	name, err := c.client.Get(ctx, k).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}

	name, err = resolve()
	if err != nil {
		return "", err
	}
	// Best effort: a failed cache write only costs the next resolve.
	_ = c.client.Set(ctx, k, name, c.nameTTL).Err()
	return name, nil
}
