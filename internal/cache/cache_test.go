package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/taopulse/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(clock *fakeClock) *Cache {
	return NewLocalCache(&Options{LocalSize: 100, TTL: time.Hour, Now: clock.Now})
}

func TestHitWithinTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(clock)
	ctx := context.Background()

	key := Key(models.Subject{Netuid: models.IntPtr(18)}, true)
	payload := []byte(`{"dividends":{"18":{"hk1":1000}}}`)
	c.Set(ctx, key, payload, 2*time.Minute)

	clock.Advance(119 * time.Second)
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestNoHitAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(clock)
	ctx := context.Background()

	key := Key(models.Subject{Netuid: models.IntPtr(18)}, false)
	c.Set(ctx, key, []byte("v"), 2*time.Minute)

	// the local tier still holds the entry, the envelope decides
	clock.Advance(2 * time.Minute)
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	// and it was dropped on that read
	clock.Advance(-time.Minute)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := newTestCache(clock)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("old"), time.Minute)
	c.Set(ctx, "k", []byte("new"), time.Minute)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "new", string(got))
}

func TestZeroTTLIsNotStored(t *testing.T) {
	c := newTestCache(&fakeClock{t: time.Unix(1700000000, 0)})
	c.Set(context.Background(), "k", []byte("v"), 0)

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestKeyIgnoresPresentation(t *testing.T) {
	a := Key(models.Subject{Netuid: models.IntPtr(18), Hotkey: "5Hk"}, true)
	b := Key(models.Subject{Hotkey: "  5Hk ", Netuid: models.IntPtr(18)}, true)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Key(models.Subject{Netuid: models.IntPtr(18), Hotkey: "5Hk"}, false))
	assert.NotEqual(t, a, Key(models.Subject{Netuid: models.IntPtr(19), Hotkey: "5Hk"}, true))
	assert.NotEqual(t,
		Key(models.Subject{}, false),
		Key(models.Subject{Netuid: models.IntPtr(0)}, false))
}

func TestBackendOutageDegradesToMiss(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	c := newCache(rdb, &Options{LocalSize: 0, TTL: time.Minute})
	ctx := context.Background()

	assert.NotPanics(t, func() { c.Set(ctx, "k", []byte("v"), time.Minute) })
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Error(t, c.Ping(ctx))
	assert.Equal(t, "redis", c.Backend())
}

func TestLocalCacheIsAlwaysHealthy(t *testing.T) {
	c := NewLocalCache(nil)
	assert.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "local", c.Backend())
	assert.NoError(t, c.Close())
}
