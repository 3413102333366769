// Package cache stores chat completions in Redis so that re-running a dataset
// does not pay twice for deterministic calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/llm"
)

// Config contains cache configuration
type Config struct {
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// CachedCompletion is the stored form of a completion
type CachedCompletion struct {
	Model        string    `json:"model"`
	Text         string    `json:"text"`
	FinishReason string    `json:"finish_reason"`
	CachedAt     time.Time `json:"cached_at"`
}

// Stats reports cache effectiveness
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// backend is the key-value surface the cache needs
type backend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CompletionCache handles Redis-based caching of completions
type CompletionCache struct {
	client  *redis.Client
	backend backend
	config  *Config
	logger  *zap.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCompletionCache connects to Redis
func NewCompletionCache(config *Config, logger *zap.Logger) (*CompletionCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Completion cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return newCompletionCache(client, &redisBackend{client: client}, config, logger), nil
}

func newCompletionCache(client *redis.Client, b backend, config *Config, logger *zap.Logger) *CompletionCache {
	return &CompletionCache{
		client:  client,
		backend: b,
		config:  config,
		logger:  logger,
	}
}

// Lookup returns a cached completion for the request, if present
func (c *CompletionCache) Lookup(ctx context.Context, key string) (*CachedCompletion, bool) {
	data, ok, err := c.backend.get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache lookup failed", zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	}

	var cached CachedCompletion
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("Corrupted cache entry", zap.String("key", key), zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))
	return &cached, true
}

// Store caches a completion under key
func (c *CompletionCache) Store(ctx context.Context, key string, cached *CachedCompletion) error {
	cached.CachedAt = time.Now()
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal completion for caching: %w", err)
	}
	if err := c.backend.set(ctx, key, data, c.config.DefaultTTL); err != nil {
		return fmt.Errorf("failed to cache completion: %w", err)
	}
	return nil
}

// Key derives the cache key of a request
func (c *CompletionCache) Key(model string, messages []llm.Message, opts llm.ChatOptions) string {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s\x00%g\x00%d\x00", model, opts.Temperature, opts.MaxTokens)
	for _, m := range messages {
		fmt.Fprintf(hasher, "%s\x00%d\x00%s\x00", m.Role, len(m.Content), m.Content)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s:chat:%s", c.config.KeyPrefix, hash[:32])
}

// GetStats returns cache performance statistics
func (c *CompletionCache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	if c.client == nil {
		return stats, nil
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr := strings.TrimPrefix(line, "used_memory:"); memStr != line {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}
	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

// Close closes the Redis connection
func (c *CompletionCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

type redisBackend struct {
	client *redis.Client
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// maskRedisURL masks the password of a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	scheme := strings.Index(userPart, "://")
	if colon < 0 || colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
