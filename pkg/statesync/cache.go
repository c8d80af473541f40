// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statesync

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheItem is one entry in a batched cache write.
type CacheItem struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Cache is the fast tier. Implementations must be safe for concurrent use.
// Misses are (nil, false, nil), not errors.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error

	// PushList pushes a value to the head of a list.
	PushList(ctx context.Context, key, value string, ttl time.Duration) error
	// ListRange returns list entries head-first; (0, -1) is the whole list.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// RemoveFromList removes all occurrences of value.
	RemoveFromList(ctx context.Context, key, value string) error

	// SetBatch writes items in one round trip where the backend allows it.
	SetBatch(ctx context.Context, items []CacheItem) error
}

// RedisCache is the redis-backed cache tier.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps a redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) PushList(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

func (c *RedisCache) RemoveFromList(ctx context.Context, key, value string) error {
	return c.client.LRem(ctx, key, 0, value).Err()
}

func (c *RedisCache) SetBatch(ctx context.Context, items []CacheItem) error {
	pipe := c.client.Pipeline()
	for _, item := range items {
		pipe.Set(ctx, item.Key, item.Value, item.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

var _ Cache = (*RedisCache)(nil)

// MemoryCache is an in-process Cache used in tests and single-node setups.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	lists   map[string][]string
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		lists:   make(map[string][]string),
		now:     time.Now,
	}
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.lists, key)
	return nil
}

func (c *MemoryCache) PushList(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

func (c *MemoryCache) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, list[start:stop+1]...)
	return out, nil
}

func (c *MemoryCache) RemoveFromList(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	kept := list[:0]
	for _, v := range list {
		if v != value {
			kept = append(kept, v)
		}
	}
	c.lists[key] = kept
	return nil
}

func (c *MemoryCache) SetBatch(ctx context.Context, items []CacheItem) error {
	for _, item := range items {
		if err := c.Set(ctx, item.Key, item.Value, item.TTL); err != nil {
			return err
		}
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)
