package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemCache is a goroutine-safe in-memory Cache for tests and single-process
// deployments without Redis.
type MemCache struct {
	mu    sync.Mutex
	etags map[string]string
	names map[string]string
}

var _ Cache = (*MemCache)(nil)

// NewMemCache creates an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{
		etags: map[string]string{},
		names: map[string]string{},
	}
}

func (c *MemCache) GetETag(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.etags[key]
	if !ok {
		tag = uuid.NewString()
		c.etags[key] = tag
	}
	return tag, nil
}

func (c *MemCache) ResetETag(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.etags, key)
	return nil
}

func (c *MemCache) GetUserName(ctx context.Context, tenant, eid string, resolve func() (string, error)) (string, error) {
	key := tenant + ":" + eid

	c.mu.Lock()
	if name, ok := c.names[key]; ok {
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()

	name, err := resolve()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.names[key] = name
	c.mu.Unlock()
	return name, nil
}
