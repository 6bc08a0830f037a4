// Package cache holds the sentiment snapshot cache: an in-process map that is
// the source of truth within a run, with an optional Redis mirror so a
// restart inside a refresh window does not re-spend a sentiment API call.
// Redis failures degrade silently to memory-only operation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"paper-trading-daemon/internal/database"
)

const (
	sentimentKeyPrefix = "sentiment:%s"
	sentimentTTL       = 12 * time.Hour
)

// Config holds Redis settings. Enabled=false means memory-only.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// SentimentCache caches the latest snapshot per symbol.
type SentimentCache struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	mem  map[string]database.SentimentRow
}

// NewSentimentCache creates the cache. A failed Redis connection is reported
// but not fatal; the daemon runs memory-only in that case.
func NewSentimentCache(cfg Config, logger zerolog.Logger) *SentimentCache {
	c := &SentimentCache{
		mem:    make(map[string]database.SentimentRow),
		logger: logger.With().Str("component", "sentiment-cache").Logger(),
	}

	if !cfg.Enabled {
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis unavailable, sentiment cache is memory-only")
		return c
	}

	c.client = client
	return c
}

// Get returns the cached snapshot for a symbol, consulting Redis when the
// in-process map misses.
func (c *SentimentCache) Get(ctx context.Context, symbol string) (*database.SentimentRow, bool) {
	c.mu.RLock()
	row, ok := c.mem[symbol]
	c.mu.RUnlock()
	if ok {
		return &row, true
	}

	if c.client == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(sentimentKeyPrefix, symbol)).Bytes()
	if err != nil {
		return nil, false
	}
	var cached database.SentimentRow
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("corrupt cached sentiment, discarding")
		return nil, false
	}

	c.mu.Lock()
	c.mem[symbol] = cached
	c.mu.Unlock()
	return &cached, true
}

// Set stores a snapshot in memory and mirrors it to Redis.
func (c *SentimentCache) Set(ctx context.Context, symbol string, row database.SentimentRow) {
	c.mu.Lock()
	c.mem[symbol] = row
	c.mu.Unlock()

	if c.client == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, fmt.Sprintf(sentimentKeyPrefix, symbol), data, sentimentTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to mirror sentiment to redis")
	}
}

// Close releases the Redis connection.
func (c *SentimentCache) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
}
