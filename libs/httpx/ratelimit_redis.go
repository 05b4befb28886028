package httpx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript increments the window counter, starts the window on first use and
// returns the count with the milliseconds left in the window.
var takeScript = redis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {used, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares windows through Redis so every gateway replica charges
// the same budget.
type RedisLimiter struct {
	rdb    redis.Scripter
	quota  Quota
	prefix string
}

func NewRedisLimiter(rdb redis.Scripter, q Quota, prefix string) *RedisLimiter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{rdb: rdb, quota: q.normalized(), prefix: prefix}
}

func (l *RedisLimiter) Quota() Quota { return l.quota }

func (l *RedisLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, l.quota.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}
	used, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if used > l.quota.Limit {
		if ttl <= 0 {
			ttl = l.quota.Window
		}
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: l.quota.Limit - used}, nil
}
