package monitor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Select probes the shared Redis store and returns a RedisMonitor when
// reachable, falling back to an in-process MemoryMonitor otherwise
// (spec §4.6's startup backend-selection rule).
func Select(ctx context.Context, client *redis.Client, namespace string, terminalRetention time.Duration) Monitor {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return NewMemory(terminalRetention)
	}
	return NewRedis(client, namespace)
}
