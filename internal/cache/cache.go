// Package cache implements the advisory, non-authoritative
// (currentHash → linkage) lookup cache described in §5. A miss always
// falls back to the Store; the cache only ever shortcuts a hit.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is the cached linkage for one currentMessageHash.
type Entry struct {
	ConversationID     uuid.UUID
	BranchID           string
	RequestID          uuid.UUID
	Timestamp          time.Time
	CurrentMessageHash string
}

// Cache is the advisory lookup surface the Resolver consults before
// falling back to the Store.
type Cache interface {
	Get(ctx context.Context, domain, hash string) (Entry, bool)
	Put(ctx context.Context, domain, hash string, e Entry)
}

func key(domain, hash string) string {
	return domain + "\x00" + hash
}

// LRUCache is a pure in-process cache, bounded to a fixed number of
// entries, for single-process deployments or tests.
type LRUCache struct {
	inner *lru.Cache[string, Entry]
}

// NewLRU returns an LRUCache holding at most size entries.
func NewLRU(size int) (*LRUCache, error) {
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{inner: c}, nil
}

func (c *LRUCache) Get(ctx context.Context, domain, hash string) (Entry, bool) {
	return c.inner.Get(key(domain, hash))
}

func (c *LRUCache) Put(ctx context.Context, domain, hash string, e Entry) {
	c.inner.Add(key(domain, hash), e)
}

// RedisCache layers a local LRU (L1) in front of a Redis client (L2). It
// degrades gracefully to LRU-only behavior if the Redis client is nil or
// any call errors: a cache is advisory, never a correctness dependency.
type RedisCache struct {
	l1  *LRUCache
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps rdb (which may be nil, disabling the L2 tier) with a
// local LRU of the given size and a TTL for Redis-held entries.
func NewRedis(rdb *redis.Client, l1Size int, ttl time.Duration) (*RedisCache, error) {
	l1, err := NewLRU(l1Size)
	if err != nil {
		return nil, err
	}
	return &RedisCache{l1: l1, rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, domain, hash string) (Entry, bool) {
	if e, ok := c.l1.Get(ctx, domain, hash); ok {
		return e, true
	}
	if c.rdb == nil {
		return Entry{}, false
	}
	raw, err := c.rdb.Get(ctx, key(domain, hash)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	c.l1.Put(ctx, domain, hash, e)
	return e, true
}

func (c *RedisCache) Put(ctx context.Context, domain, hash string, e Entry) {
	c.l1.Put(ctx, domain, hash, e)
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	// Best-effort: a write failure here is never surfaced to the caller,
	// the Store remains the source of truth.
	c.rdb.Set(ctx, key(domain, hash), raw, c.ttl)
}
