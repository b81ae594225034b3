package bootstrap

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/titration-sim/internal/config"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const redisPingTimeout = 3 * time.Second

// BuildRedisClient returns the evaluator cache connection, or nil when
// REDIS_ADDR is unset. With verify, an unreachable server also yields nil and
// the run continues uncached.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil {
		return nil
	}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.RedisPassword,
		DialTimeout: redisPingTimeout,
	})
	if !verify {
		return client
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, evaluator cache disabled", "addr", addr, "error", err.Error())
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", "addr", addr)
	return client
}
