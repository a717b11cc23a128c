package router

import (
	"context"
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

// limiterDatabase keeps rate limit counters apart from the cache (DB 0).
const limiterDatabase = 2

// NewLimiterStorage shares rate limit counters between instances through
// Redis. It returns nil when the cache is not reachable, which makes the
// limiter fall back to its in-memory store; redis.New panics on a failed ping.
func NewLimiterStorage(ctx context.Context) fiber.Storage {
	if !cache.Available(ctx) {
		return nil
	}
	cacheClient := cache.GetClient()

	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	addr := cacheClient.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	// Prefer password from the underlying client if present
	if p := cacheClient.Options().Password; p != "" {
		password = p
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetEnvInt("LIMITER_REDIS_DB", limiterDatabase),
		Reset:    false,
	})
}
