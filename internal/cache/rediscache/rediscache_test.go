package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "crm:contact:a@b.c", []byte("C-1"), time.Minute))

	b, ok, err := c.Get(ctx, "crm:contact:a@b.c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("C-1"), b)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "crm:contact:a@b.c")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:crm:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:crm:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:crm:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	// The window is fixed when it opens and is not extended by later calls.
	require.Equal(t, time.Minute, mr.TTL("crmsync:rl:crm:test"))
	mr.FastForward(time.Minute)
	ok, n, _ = rl.Allow(ctx, "rl:crm:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
	require.NoError(t, rl.Close())
}

func TestLocker_TryLock(t *testing.T) {
	mr := miniredis.RunT(t)
	l := NewLocker(mr.Addr())
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = l.TryLock(ctx, "order:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	unlock()
	unlock2, ok, err := l.TryLock(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// An expired lock taken over by someone else is not released by the old owner.
	mr.FastForward(2 * time.Minute)
	_, ok, err = l.TryLock(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	unlock2()
	require.True(t, mr.Exists("lock:order:1"))
}

func TestDelayQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	q := NewDelayQueue(mr.Addr(), "test")
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.ScheduleAt(ctx, now.Add(-time.Minute), "retry:1", []byte(`{"order_id":1}`)))
	require.NoError(t, q.ScheduleAt(ctx, now.Add(time.Minute), "retry:2", []byte(`{"order_id":2}`)))
	require.NoError(t, q.ScheduleAt(ctx, now.Add(-2*time.Minute), "retry:3", []byte(`{"order_id":3}`)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	due, err := q.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "retry:3", due[0].ID)
	require.Equal(t, "retry:1", due[1].ID)
	require.JSONEq(t, `{"order_id":1}`, string(due[1].Payload))
	require.Equal(t, now.Add(-time.Minute), due[1].RunAt)

	due, err = q.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, q.Cancel(ctx, "retry:2"))
	require.NoError(t, q.ScheduleAt(ctx, now, "retry:4", nil))
	cleared, err := q.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), cleared)
}
