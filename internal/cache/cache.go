// Package cache stores analyzer lookups (whois records, geo data, MISP
// hits) between jobs, in memory or in Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultSize   = 1000
	DefaultPrefix = "analyzerkit:cache:"
	DefaultTTL    = time.Hour
)

// Cache holds raw encoded values with a time to live.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Close() error
}

// Config selects and sizes the cache backend.
type Config struct {
	RedisURL string
	Prefix   string
	Size     int
}

// New returns a Redis cache when cfg.RedisURL is set and reachable, and a
// memory cache otherwise.
func New(cfg Config, logger *log.Logger) Cache {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.RedisURL != "" {
		rc, err := NewRedisCache(cfg.RedisURL, cfg.Prefix, logger)
		if err == nil {
			return rc
		}
		logger.Printf("Redis cache unavailable, falling back to memory: %v", err)
	}
	return NewMemoryCache(cfg.Size, logger)
}

// Key joins parts into a cache key, e.g. Key("whois", "example.com").
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// GetJSON decodes the cached value for key into out. A value that no longer
// decodes is dropped and reported as a miss.
func GetJSON(ctx context.Context, c Cache, key string, out interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}
	c.Set(ctx, key, raw, ttl)
	return nil
}

type entry struct {
	value  []byte
	expiry time.Time
}

// MemoryCache is a size-bounded in-process cache. When full, expired
// entries are dropped first, then the entry closest to expiry.
type MemoryCache struct {
	mu      sync.Mutex
	data    map[string]entry
	maxSize int
	logger  *log.Logger
	now     func() time.Time
}

// NewMemoryCache creates a memory cache holding at most maxSize entries.
func NewMemoryCache(maxSize int, logger *log.Logger) *MemoryCache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MemoryCache{
		data:    make(map[string]entry),
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
	}
}

func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.data[key]
	if !ok {
		return nil, false
	}
	if mc.now().After(e.expiry) {
		delete(mc.data, key)
		return nil, false
	}
	return e.value, true
}

func (mc *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.data[key]; !exists && len(mc.data) >= mc.maxSize {
		mc.evict()
	}
	mc.data[key] = entry{value: value, expiry: mc.now().Add(ttl)}
}

func (mc *MemoryCache) Delete(_ context.Context, key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Len returns the number of stored entries, expired or not.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.data = make(map[string]entry)
	return nil
}

func (mc *MemoryCache) evict() {
	now := mc.now()
	for k, e := range mc.data {
		if now.After(e.expiry) {
			delete(mc.data, k)
		}
	}
	if len(mc.data) < mc.maxSize {
		return
	}

	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range mc.data {
		if first || e.expiry.Before(oldest) {
			oldestKey = k
			oldest = e.expiry
			first = false
		}
	}
	delete(mc.data, oldestKey)
	mc.logger.Printf("Cache full, evicted %s", oldestKey)
}

// RedisCache stores entries as Redis strings under a common prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL, prefix string, logger *log.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisCache{client: c, prefix: prefix, logger: logger}, nil
}

func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := rc.client.Get(ctx, rc.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			rc.logger.Printf("Redis get error for %s: %v", key, err)
		}
		return nil, false
	}
	return raw, true
}

func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rc.client.Set(ctx, rc.prefix+key, value, ttl).Err(); err != nil {
		rc.logger.Printf("Redis set error for %s: %v", key, err)
	}
}

func (rc *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rc.client.Del(ctx, rc.prefix+key).Err(); err != nil {
		rc.logger.Printf("Redis del error for %s: %v", key, err)
	}
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
