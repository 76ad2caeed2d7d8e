package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DecisionCache stores AI decisions keyed by a hash of the prompt so
// back-to-back identical contexts do not trigger redundant calls.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*Decision, bool)
	Set(ctx context.Context, key string, d *Decision, ttl time.Duration)
}

// PromptKey hashes a prompt into a cache key.
func PromptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "ai:decision:" + hex.EncodeToString(sum[:])
}

// MemoryCache is an in-process TTL cache, used when redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	decision  *Decision
	expiresAt time.Time
}

// NewMemoryCache creates an in-process decision cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Decision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.decision, true
}

func (c *MemoryCache) Set(_ context.Context, key string, d *Decision, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep keeps the map from growing unbounded.
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{decision: d, expiresAt: now.Add(ttl)}
}

// RedisCache stores decisions in redis with a TTL, surviving restarts.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a redis-backed decision cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Decision, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (c *RedisCache) Set(ctx context.Context, key string, d *Decision, ttl time.Duration) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	// Best-effort: a failed cache write only costs a future AI call.
	c.client.Set(ctx, key, data, ttl)
}
