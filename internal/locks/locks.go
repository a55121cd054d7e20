package locks

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process keyed lock with expiry, used when Redis is not configured.
type Local struct {
	mu    sync.Mutex
	held  map[string]held
	now   func() time.Time
	token uint64
}

type held struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]held), now: time.Now}
}

func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	l.token++
	tok := l.token
	l.held[key] = held{token: tok, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == tok {
			delete(l.held, key)
		}
	}, true, nil
}
