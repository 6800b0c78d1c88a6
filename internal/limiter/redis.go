package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueapplecc-ppp/tts-vocl/internal/errs"
)

// slotTTL bounds how long a slot survives without renewal, so a crashed
// holder's slot is reclaimed instead of leaking capacity forever.
const slotTTL = 30 * time.Minute

// renewInterval is how often a held slot's score is refreshed, well
// under slotTTL so a brief delay in the renewal goroutine never costs
// the holder its slot.
const renewInterval = 60 * time.Second

// acquireScript atomically checks the live member count against capacity
// and, if there's room, adds the new token. Expired members (score below
// the cutoff) are pruned first so a crashed holder's slot is reclaimed.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = ARGV[1]
local now = ARGV[2]
local token = ARGV[3]
local capacity = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)

local count = redis.call('ZCARD', key)
if count >= capacity then
  return 0
end

redis.call('ZADD', key, now, token)
return 1
`)

// RedisLimiter is the shared, cross-process Global Limiter backend. A
// sorted set holds one member per held slot, scored by last-renewal
// time; membership older than slotTTL is treated as expired. Grounded on
// spec §4.5's "sorted-set of live slot tokens" and "atomic compare-and-set".
type RedisLimiter struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedis builds a RedisLimiter bound to namespace/key and capacity.
func NewRedis(client *redis.Client, namespace string, capacity int) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		key:      fmt.Sprintf("%s:limiter:slots", namespace),
		capacity: capacity,
	}
}

func (r *RedisLimiter) Acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()

	for {
		now := time.Now()
		cutoff := now.Add(-slotTTL).UnixMilli()

		res, err := acquireScript.Run(ctx, r.client, []string{r.key},
			cutoff, now.UnixMilli(), token, r.capacity).Int()
		if err != nil {
			return "", errs.Wrap(errs.KindStorage, "acquire global slot", err)
		}
		if res == 1 {
			return token, nil
		}

		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *RedisLimiter) Release(ctx context.Context, token string) error {
	if err := r.client.ZRem(ctx, r.key, token).Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "release global slot", err)
	}
	return nil
}

func (r *RedisLimiter) Capacity() int {
	return r.capacity
}

// StartRenewal refreshes the holder's slot score every renewInterval so
// a long-lived task is not mistaken for a crashed holder. Callers must
// stop it before Release.
func (r *RedisLimiter) StartRenewal(ctx context.Context, token string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(time.Now().UnixMilli()), Member: token})
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}
