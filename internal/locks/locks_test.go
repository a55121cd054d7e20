package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocal_TryLock(t *testing.T) {
	l := NewLocal()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "order:1", time.Minute)
	require.False(t, ok)

	unlock()
	unlock2, ok, _ := l.TryLock(ctx, "order:1", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "order:1", time.Minute)
	require.True(t, ok)

	// The stale owner must not release the new holder.
	unlock2()
	_, ok, _ = l.TryLock(ctx, "order:1", time.Minute)
	require.False(t, ok)
}
