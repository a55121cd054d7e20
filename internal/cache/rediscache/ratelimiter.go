package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// budgetScript counts one CRM call in the window key. The expiry is set only when
// the window opens, so later calls do not stretch it.
var budgetScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter keeps the CRM call budget in Redis so the API and the worker share
// one remote_rate_limit_per_minute.
type RateLimiter struct {
	c      *redis.Client
	prefix string
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c:      redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "crmsync:",
	}
}

// Allow spends one call from the budget of window key. It reports whether the call
// is within limit, and the number of calls spent so far.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	n, err := budgetScript.Run(ctx, rl.c, []string{rl.prefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, errors.Wrap(err, "spend crm budget")
	}
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
