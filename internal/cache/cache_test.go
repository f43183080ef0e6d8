package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlink/internal/cache"
)

func TestLRUCache_MissOnEmpty(t *testing.T) {
	c, err := cache.NewLRU(4)
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), "acme", "h1")
	assert.False(t, ok)
}

func TestLRUCache_PutThenGet(t *testing.T) {
	c, err := cache.NewLRU(4)
	require.NoError(t, err)
	ctx := context.Background()

	want := cache.Entry{ConversationID: uuid.New(), BranchID: "main", RequestID: uuid.New(), Timestamp: time.Now()}
	c.Put(ctx, "acme", "h1", want)

	got, ok := c.Get(ctx, "acme", "h1")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestLRUCache_DomainIsolatesKeys(t *testing.T) {
	c, err := cache.NewLRU(4)
	require.NoError(t, err)
	ctx := context.Background()

	c.Put(ctx, "acme", "shared-hash", cache.Entry{RequestID: uuid.New()})

	_, ok := c.Get(ctx, "other-domain", "shared-hash")
	assert.False(t, ok, "a hash cached for one domain must not be visible under another")
}

func TestLRUCache_EvictsBeyondCapacity(t *testing.T) {
	c, err := cache.NewLRU(2)
	require.NoError(t, err)
	ctx := context.Background()

	c.Put(ctx, "acme", "h1", cache.Entry{RequestID: uuid.New()})
	c.Put(ctx, "acme", "h2", cache.Entry{RequestID: uuid.New()})
	c.Put(ctx, "acme", "h3", cache.Entry{RequestID: uuid.New()})

	_, ok := c.Get(ctx, "acme", "h1")
	assert.False(t, ok, "oldest entry should be evicted once capacity is exceeded")

	_, ok = c.Get(ctx, "acme", "h3")
	assert.True(t, ok)
}

func TestRedisCache_NilClientDegradesToLRUOnly(t *testing.T) {
	c, err := cache.NewRedis(nil, 4, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	want := cache.Entry{RequestID: uuid.New()}
	c.Put(ctx, "acme", "h1", want)

	got, ok := c.Get(ctx, "acme", "h1")
	require.True(t, ok, "a nil redis client must not prevent the local LRU tier from serving hits")
	assert.Equal(t, want, got)
}
