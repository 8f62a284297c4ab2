package live

import (
	"context"
	"sync"

	"loops/api/internal/store"
)

// Cache keeps the last snapshot seen per query key so degraded and offline
// views have something to show when the store cannot be read.
type Cache interface {
	Save(ctx context.Context, key string, snap store.Snapshot) error
	Load(ctx context.Context, key string) (store.Snapshot, bool, error)
}

type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]store.Snapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]store.Snapshot)}
}

func (c *MemoryCache) Save(ctx context.Context, key string, snap store.Snapshot) error {
	c.mu.Lock()
	c.items[key] = snap
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Load(ctx context.Context, key string) (store.Snapshot, bool, error) {
	c.mu.RLock()
	snap, ok := c.items[key]
	c.mu.RUnlock()
	return snap, ok, nil
}
