package memsync

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/CRMSync/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStorage_UpsertAndLookups(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := s.Upsert(ctx, 1, func(r *models.SyncRecord) error {
		require.Equal(t, models.SyncStatusPending, r.SyncStatus)
		if err := r.SetRemoteID("Q-1"); err != nil {
			return err
		}
		r.MarkCompleted(models.SyncTypeCreate, nil, now)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Q-1", rec.RemoteIDValue())

	// Returned records are copies.
	rec.SyncStatus = models.SyncStatusFailed
	got, err := s.GetByRemoteID(ctx, "Q-1")
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusCompleted, got.SyncStatus)

	_, err = s.Upsert(ctx, 2, func(r *models.SyncRecord) error { return r.SetRemoteID("Q-1") })
	require.ErrorIs(t, err, models.ErrRemoteIDTaken)
	_, err = s.GetByOrderID(ctx, 2)
	require.ErrorIs(t, err, models.ErrRecordNotFound)

	_, err = s.Upsert(ctx, 1, func(r *models.SyncRecord) error { return r.SetRemoteID("Q-2") })
	require.ErrorIs(t, err, models.ErrRemoteIDLocked)

	boom := errors.New("boom")
	_, err = s.Upsert(ctx, 1, func(r *models.SyncRecord) error {
		r.MarkFailed(models.SyncTypeUpdate, "x", now)
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err = s.GetByOrderID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, got.RetryCount)
}

func TestStorage_FindDueForRetry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	fail := func(id int64, retries int, at time.Time) {
		_, err := s.Upsert(ctx, id, func(r *models.SyncRecord) error {
			for i := 0; i < retries; i++ {
				r.MarkFailed(models.SyncTypeCreate, "503", now)
			}
			r.ScheduleRetry(at, now)
			return nil
		})
		require.NoError(t, err)
	}
	fail(1, 1, now.Add(-2*time.Minute))
	fail(2, 1, now.Add(-time.Minute))
	fail(3, 1, now.Add(time.Minute))
	fail(4, 5, now.Add(-time.Minute))
	fail(5, 2, now.Add(-3*time.Minute))

	due, err := s.FindDueForRetry(ctx, now, 5, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, int64(5), due[0].OrderID)
	require.Equal(t, int64(1), due[1].OrderID)

	due, err = s.FindDueForRetry(ctx, now, 5, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, int64(2), due[0].OrderID)

	n, err := s.ClearRetryQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	due, err = s.FindDueForRetry(ctx, now.Add(time.Hour), 5, 10, 0)
	require.NoError(t, err)
	require.Empty(t, due)

	failed := models.SyncStatusFailed
	list, err := s.List(ctx, models.RecordFilter{Status: &failed, Limit: 3})
	require.NoError(t, err)
	require.Len(t, list, 3)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), counts[models.SyncStatusFailed])
}

func TestStorage_ClaimSync(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ok, err := s.ClaimSync(ctx, 7, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	rec, err := s.GetByOrderID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusPending, rec.SyncStatus)

	ok, _ = s.ClaimSync(ctx, 7, "b", now, time.Minute)
	require.False(t, ok)

	require.NoError(t, s.ReleaseSync(ctx, 7, "b"))
	ok, _ = s.ClaimSync(ctx, 7, "b", now, time.Minute)
	require.False(t, ok)

	ok, _ = s.ClaimSync(ctx, 7, "b", now.Add(time.Minute), time.Minute)
	require.True(t, ok, "expired claim is taken over")

	require.NoError(t, s.ReleaseSync(ctx, 7, "b"))
	ok, _ = s.ClaimSync(ctx, 7, "c", now.Add(time.Minute), time.Minute)
	require.True(t, ok)
}
