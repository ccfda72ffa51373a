package router

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

// NewLimiterStorage returns a redis-backed fiber storage on the same server as
// client, so rate limits hold across instances.
func NewLimiterStorage(client *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	// Limiter counters use database 1 (cache uses DB 0)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetInt("LIMITER_CACHE_DB", 1),
		Reset:    false,
	})
}
