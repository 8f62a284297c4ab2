// Package cache provides the Redis-backed snapshot cache for live queries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loops/api/internal/store"
)

type cachedDoc struct {
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CreateTime store.Timestamp `json:"create_time"`
	UpdateTime store.Timestamp `json:"update_time"`
	Version    int64           `json:"version"`
}

type cachedSnapshot struct {
	Docs     []cachedDoc     `json:"docs"`
	ReadTime store.Timestamp `json:"read_time"`
}

// RedisCache stores the last snapshot of every live query so a restarted or
// disconnected process can still serve stale views.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "snapshot:", ttl: ttl}
}

// key hashes the query key; filter values may be long id lists.
func (c *RedisCache) key(queryKey string) string {
	sum := sha256.Sum256([]byte(queryKey))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Save(ctx context.Context, queryKey string, snap store.Snapshot) error {
	payload := cachedSnapshot{Docs: make([]cachedDoc, 0, len(snap.Docs)), ReadTime: snap.ReadTime}
	for _, doc := range snap.Docs {
		data, err := store.MarshalData(doc.Data)
		if err != nil {
			return err
		}
		payload.Docs = append(payload.Docs, cachedDoc{
			ID:         doc.ID,
			Data:       data,
			CreateTime: doc.CreateTime,
			UpdateTime: doc.UpdateTime,
			Version:    doc.Version,
		})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(queryKey), encoded, c.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) Load(ctx context.Context, queryKey string) (store.Snapshot, bool, error) {
	raw, err := c.client.Get(ctx, c.key(queryKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var payload cachedSnapshot
	if err := json.Unmarshal(raw, &payload); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snap := store.Snapshot{Docs: make([]store.Document, 0, len(payload.Docs)), ReadTime: payload.ReadTime, FromCache: true}
	for _, doc := range payload.Docs {
		data, err := store.UnmarshalData(doc.Data)
		if err != nil {
			return store.Snapshot{}, false, err
		}
		snap.Docs = append(snap.Docs, store.Document{
			ID:         doc.ID,
			Data:       data,
			CreateTime: doc.CreateTime,
			UpdateTime: doc.UpdateTime,
			Version:    doc.Version,
		})
	}
	return snap, true, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
