package pgsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/CRMSync/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "crmsync_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/crmsync_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGSync_RecordFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.GetByOrderID(ctx, 1001)
	require.ErrorIs(t, err, models.ErrRecordNotFound)

	rec, err := st.Upsert(ctx, 1001, func(r *models.SyncRecord) error {
		if err := r.SetRemoteID("Q-1"); err != nil {
			return err
		}
		r.MarkCompleted(models.SyncTypeCreate, json.RawMessage(`{"total":"113.00"}`), now)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusCompleted, rec.SyncStatus)

	got, err := st.GetByRemoteID(ctx, "Q-1")
	require.NoError(t, err)
	require.Equal(t, int64(1001), got.OrderID)
	require.JSONEq(t, `{"total":"113.00"}`, string(got.RemoteSnapshot))

	// A second order may not claim the same remote record.
	_, err = st.Upsert(ctx, 1002, func(r *models.SyncRecord) error {
		return r.SetRemoteID("Q-1")
	})
	require.ErrorIs(t, err, models.ErrRemoteIDTaken)

	// A failing callback leaves no row behind.
	boom := errors.New("boom")
	_, err = st.Upsert(ctx, 1003, func(r *models.SyncRecord) error { return boom })
	require.ErrorIs(t, err, boom)
	_, err = st.GetByOrderID(ctx, 1003)
	require.ErrorIs(t, err, models.ErrRecordNotFound)

	_, err = st.Upsert(ctx, 1004, func(r *models.SyncRecord) error {
		r.MarkFailed(models.SyncTypeCreate, "crm http 503", now)
		r.ScheduleRetry(now.Add(-time.Minute), now)
		return nil
	})
	require.NoError(t, err)
	_, err = st.Upsert(ctx, 1005, func(r *models.SyncRecord) error {
		r.MarkFailed(models.SyncTypeCreate, "crm http 503", now)
		r.ScheduleRetry(now.Add(time.Hour), now)
		return nil
	})
	require.NoError(t, err)

	due, err := st.FindDueForRetry(ctx, now, 5, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, int64(1004), due[0].OrderID)

	// Leased rows are not handed out again.
	due, err = st.FindDueForRetry(ctx, now, 5, 10, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, due)

	failed := models.SyncStatusFailed
	list, err := st.List(ctx, models.RecordFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, list, 2)

	n, err := st.ClearRetryQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[models.SyncStatusFailed])
	require.Equal(t, int64(1), counts[models.SyncStatusCompleted])
}

func TestPGSync_ClaimSync(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := st.ClaimSync(ctx, 2001, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := st.GetByOrderID(ctx, 2001)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusPending, rec.SyncStatus)

	ok, err = st.ClaimSync(ctx, 2001, "b", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Releasing with a foreign token keeps the claim.
	require.NoError(t, st.ReleaseSync(ctx, 2001, "b"))
	ok, err = st.ClaimSync(ctx, 2001, "b", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.ReleaseSync(ctx, 2001, "a"))
	ok, err = st.ClaimSync(ctx, 2001, "b", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// An expired claim can be taken over.
	ok, err = st.ClaimSync(ctx, 2001, "c", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
