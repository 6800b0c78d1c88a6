package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Select probes the shared Redis store and returns a RedisLimiter when
// reachable, falling back to an in-process LocalLimiter otherwise.
// Mirrors the Task Monitor's own startup backend probe (spec §4.6).
func Select(ctx context.Context, client *redis.Client, namespace string, capacity int) Limiter {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return NewLocal(capacity)
	}
	return NewRedis(client, namespace, capacity)
}
