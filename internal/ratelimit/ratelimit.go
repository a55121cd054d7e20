package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process token bucket per key. It has the same Allow signature as
// the Redis limiter so the two are interchangeable.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocal() *Local {
	return &Local{limiters: make(map[string]*rate.Limiter)}
}

// Allow spends one token from the bucket for key. The bucket refills limit tokens
// per window. The returned count is the number of tokens left.
func (l *Local) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window/time.Duration(limit)), int(limit))
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	return allowed, int64(lim.Tokens()), nil
}
