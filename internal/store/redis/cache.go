// Package redis caches the latest closed candle per (symbol, interval)
// and publishes candle updates over Redis PubSub for other consumers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"mdfeed/internal/model"
)

const latestTTL = 30 * time.Minute

// Config configures the Redis cache.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Cache is the query-side hot path for latest candles.
type Cache struct {
	client *goredis.Client
	log    *slog.Logger
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// New connects to Redis and pings the server.
func New(cfg Config, log *slog.Logger) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("redis connected", "addr", cfg.Addr)
	return &Cache{client: client, log: log}, nil
}

func latestKey(symbol, interval string) string {
	return "kline:" + interval + ":latest:" + symbol
}

func pubsubChannel(symbol, interval string) string {
	return "pub:kline:" + interval + ":" + symbol
}

// StoreLatest caches the candle with a TTL and publishes it in one
// pipeline roundtrip.
func (c *Cache) StoreLatest(ctx context.Context, symbol, interval string, cd model.Candle) error {
	jsonData := string(cd.JSON())

	pipe := c.client.Pipeline()
	pipe.Set(ctx, latestKey(symbol, interval), jsonData, latestTTL)
	pipe.Publish(ctx, pubsubChannel(symbol, interval), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis latest pipeline %s %s: %w", symbol, interval, err)
	}
	return nil
}

// Latest reads the cached candle, ok=false on a cache miss.
func (c *Cache) Latest(ctx context.Context, symbol, interval string) (model.Candle, bool, error) {
	raw, err := c.client.Get(ctx, latestKey(symbol, interval)).Bytes()
	if err == goredis.Nil {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("redis get latest: %w", err)
	}

	var cd model.Candle
	if err := json.Unmarshal(raw, &cd); err != nil {
		return model.Candle{}, false, fmt.Errorf("redis latest decode: %w", err)
	}
	return cd, true, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
