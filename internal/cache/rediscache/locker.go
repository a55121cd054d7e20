package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks (SET NX PX).
type Locker struct {
	c      *redis.Client
	prefix string
}

func NewLocker(addr string) *Locker {
	return &Locker{
		c:      redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "lock:",
	}
}

// TryLock returns ok=false when somebody else holds key. The returned unlock is
// safe to call after the lock expired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	full := l.prefix + key

	ok, err := l.c.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis lock")
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// Detached from ctx so a cancelled request still releases its lock.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(uctx, l.c, []string{full}, token).Err()
	}
	return unlock, true, nil
}
