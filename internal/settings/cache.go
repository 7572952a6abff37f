package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HotCache is the TTL tier in front of the durable store.
type HotCache interface {
	Get(ctx context.Context, key Key) (json.RawMessage, bool, error)
	Set(ctx context.Context, key Key, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, keys ...Key) error
}

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// MemoryCache is an in-process TTL map.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[Key]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache. now defaults to time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[Key]memoryEntry), now: now}
}

func (m *MemoryCache) Get(_ context.Context, key Key) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key Key, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, keys ...Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// RedisCache shares the hot tier across replicas so an admin write on one
// replica is visible to all after invalidation.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a go-redis client. Keys are stored under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "mostrador:settings:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(k Key) string { return r.prefix + string(k) }

func (r *RedisCache) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settings: redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key Key, value json.RawMessage, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), []byte(value), ttl).Err(); err != nil {
		return fmt.Errorf("settings: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = r.key(k)
	}
	if err := r.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("settings: redis del: %w", err)
	}
	return nil
}
