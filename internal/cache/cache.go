// Package cache holds serialized dividend answers for a bounded freshness
// window.
//
// Entries are wrapped in an envelope carrying their own expiry, and reads
// check it against the cache clock. The backing tiers expire on their own
// schedule (Redis to the second, the local TinyLFU with a random offset), so
// an entry they still hold past its deadline is reported as a miss and
// dropped. Backend failures never reach the caller: Get turns them into a
// miss and Set into a no-op.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/aigoflow/taopulse/internal/models"
)

const keyPrefix = "taopulse/dividends/"

type Options struct {
	// LocalSize is the capacity of the in-process TinyLFU tier. Zero or
	// less disables it when Redis is configured.
	LocalSize int
	// TTL bounds the lifetime of local tier entries
	TTL time.Duration
	// Now is the clock used for expiry checks
	Now func() time.Time
}

func DefaultOptions() *Options {
	return &Options{
		LocalSize: 10_000,
		TTL:       2 * time.Minute,
		Now:       time.Now,
	}
}

// entry is what actually gets stored
type entry struct {
	Value     []byte    `msgpack:"v"`
	ExpiresAt time.Time `msgpack:"e"`
}

type Cache struct {
	data *cache.Cache
	rdb  *redis.Client
	now  func() time.Time
	log  *slog.Logger
}

// NewRedisCache connects to redisURL and checks the connection before
// returning. A local TinyLFU tier sits in front of Redis unless disabled.
func NewRedisCache(ctx context.Context, redisURL string, opts *Options) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newCache(rdb, opts), nil
}

// NewLocalCache returns a cache backed only by process memory
func NewLocalCache(opts *Options) *Cache {
	o := withDefaults(opts)
	if o.LocalSize <= 0 {
		o.LocalSize = DefaultOptions().LocalSize
	}
	return newCache(nil, o)
}

func withDefaults(opts *Options) *Options {
	if opts == nil {
		return DefaultOptions()
	}
	o := *opts
	if o.TTL <= 0 {
		o.TTL = DefaultOptions().TTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &o
}

func newCache(rdb *redis.Client, opts *Options) *Cache {
	o := withDefaults(opts)

	copts := &cache.Options{}
	if rdb != nil {
		copts.Redis = rdb
	}
	if o.LocalSize > 0 {
		copts.LocalCache = cache.NewTinyLFU(o.LocalSize, o.TTL)
	}

	return &Cache{
		data: cache.New(copts),
		rdb:  rdb,
		now:  o.Now,
		log:  slog.Default().With("system", "cache"),
	}
}

// Key fingerprints a query. Fields are emitted in sorted name order so the
// way the caller spelled the request does not matter.
func Key(subject models.Subject, trigger bool) string {
	s := subject.Normalize()
	fields := []string{
		"trade=" + strconv.FormatBool(trigger),
		"hotkey=" + s.Hotkey,
	}
	if s.Netuid != nil {
		fields = append(fields, "netuid="+strconv.Itoa(*s.Netuid))
	} else {
		fields = append(fields, "netuid=")
	}
	sort.Strings(fields)

	sum := sha256.Sum256([]byte(strings.Join(fields, "&")))
	return keyPrefix + hex.EncodeToString(sum[:16])
}

// Get returns the value stored under key if it has not expired
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	var e entry
	err := c.data.Get(ctx, key, &e)
	if errors.Is(err, cache.ErrCacheMiss) {
		cacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		cacheMisses.Inc()
		c.log.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}

	if !c.now().Before(e.ExpiresAt) {
		cacheExpired.Inc()
		cacheMisses.Inc()
		if err := c.data.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			cacheErrors.WithLabelValues("delete").Inc()
			c.log.Debug("Failed to drop expired entry", "key", key, "error", err)
		}
		return nil, false
	}

	cacheHits.Inc()
	return e.Value, true
}

// Set stores value under key for ttl. It overwrites any existing entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	err := c.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: &entry{Value: value, ExpiresAt: c.now().Add(ttl)},
		TTL:   ttl,
	})
	if err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.log.Warn("Cache write failed", "key", key, "error", err)
	}
}

// Ping checks the Redis tier. A local only cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Backend names the tier in use, for health output
func (c *Cache) Backend() string {
	if c.rdb == nil {
		return "local"
	}
	return "redis"
}

func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
