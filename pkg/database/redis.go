package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neverdrugs/catalog-engine/pkg/config"
)

// NewRedisClient creates a Redis client with the given configuration.
// Returns nil if Redis is not configured (host is empty). No connection is
// made here: go-redis dials lazily and reconnects after outages.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	if cfg.Host == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
}

// PingRedis checks that client can reach its server.
func PingRedis(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", client.Options().Addr, err)
	}
	return nil
}
