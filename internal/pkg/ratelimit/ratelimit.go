// Package ratelimit builds the request limiters in front of /api. Counters
// live in Redis when a cache server is configured so that every instance
// shares them.
package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
)

// StorageDB is the Redis database used for limiter counters; the cache
// uses DB 0.
const StorageDB = 1

var ErrTooManyRequests = apperror.New(apperror.KindRateLimited, "rate_limited", "too many requests, please try again later")

// Rule is one limiter configuration. Name prefixes the counter key so
// limiters sharing a storage do not share counters.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// APIRule limits all /api traffic per client IP.
func APIRule() Rule {
	return Rule{
		Name:   "api",
		Max:    env.GetEnvInt("API_RATE_LIMIT_MAX", 120),
		Window: env.GetEnvDuration("API_RATE_LIMIT_WINDOW", time.Minute),
	}
}

// VerificationRule is the stricter limit on sending verification mail.
func VerificationRule() Rule {
	return Rule{
		Name:   "verification",
		Max:    env.GetEnvInt("VERIFICATION_RATE_LIMIT_MAX", 5),
		Window: env.GetEnvDuration("VERIFICATION_RATE_LIMIT_WINDOW", 10*time.Minute),
	}
}

// NewRedisStorage creates limiter storage on the server behind client.
func NewRedisStorage(client *goredis.Client) fiber.Storage {
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
		// Prefer password from the underlying client if present
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: StorageDB,
		Reset:    false,
	})
}

// New returns a limiter for rule keyed by client IP. A nil storage keeps
// counters in process memory.
func New(rule Rule, storage fiber.Storage, onLimit fiber.Handler) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          rule.Max,
		Expiration:   rule.Window,
		Storage:      storage,
		LimitReached: onLimit,
		KeyGenerator: func(c *fiber.Ctx) string {
			return rule.Name + ":" + c.IP()
		},
	})
}
