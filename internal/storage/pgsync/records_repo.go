package pgsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CRMSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const selectColumns = `
  order_id, remote_id, sync_type, sync_status,
  retry_count, next_retry_at, error_message,
  remote_status, last_sync_direction, remote_snapshot,
  permanently_failed, created_at, updated_at`

const uniqueViolation = "23505"

func scanRecord(row pgx.Row) (*models.SyncRecord, error) {
	var (
		r        models.SyncRecord
		dir      *string
		snapshot []byte
	)
	if err := row.Scan(
		&r.OrderID, &r.RemoteID, &r.SyncType, &r.SyncStatus,
		&r.RetryCount, &r.NextRetryAt, &r.ErrorMessage,
		&r.RemoteStatus, &dir, &snapshot,
		&r.PermanentlyFailed, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if dir != nil {
		d := models.SyncDirection(*dir)
		r.LastSyncDirection = &d
	}
	if len(snapshot) > 0 {
		r.RemoteSnapshot = json.RawMessage(snapshot)
	}
	return &r, nil
}

func (s *Storage) GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT`+selectColumns+` FROM crm_sync_records WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select record")
	}
	return r, nil
}

func (s *Storage) GetByRemoteID(ctx context.Context, remoteID string) (*models.SyncRecord, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT`+selectColumns+` FROM crm_sync_records WHERE remote_id = $1`, remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select record by remote id")
	}
	return r, nil
}

// Upsert creates the record for orderID when missing and applies fn to it under a
// row lock. Nothing is written when fn fails.
func (s *Storage) Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fresh := models.NewSyncRecord(orderID, now)
	_, err = tx.Exec(ctx, `
INSERT INTO crm_sync_records (order_id, sync_type, sync_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (order_id) DO NOTHING
`, orderID, fresh.SyncType, fresh.SyncStatus, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert record")
	}

	r, err := scanRecord(tx.QueryRow(ctx, `SELECT`+selectColumns+` FROM crm_sync_records WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, errors.Wrap(err, "lock record")
	}

	if err := fn(r); err != nil {
		return nil, err
	}

	var dir *string
	if r.LastSyncDirection != nil {
		d := string(*r.LastSyncDirection)
		dir = &d
	}
	var snapshot []byte
	if len(r.RemoteSnapshot) > 0 {
		snapshot = r.RemoteSnapshot
	}

	_, err = tx.Exec(ctx, `
UPDATE crm_sync_records
SET
  remote_id = $2,
  sync_type = $3,
  sync_status = $4,
  retry_count = $5,
  next_retry_at = $6,
  error_message = $7,
  remote_status = $8,
  last_sync_direction = $9,
  remote_snapshot = $10,
  permanently_failed = $11,
  updated_at = $12
WHERE order_id = $1
`, r.OrderID, r.RemoteID, r.SyncType, r.SyncStatus,
		r.RetryCount, r.NextRetryAt, r.ErrorMessage,
		r.RemoteStatus, dir, snapshot,
		r.PermanentlyFailed, r.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, models.ErrRemoteIDTaken
		}
		return nil, errors.Wrap(err, "update record")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return r, nil
}

// ClaimSync marks orderID as in flight until now+ttl, creating the record when
// missing. The conditional upsert only succeeds when no unexpired claim exists, so
// at most one process pushes an order at a time.
func (s *Storage) ClaimSync(ctx context.Context, orderID int64, token string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	var id int64
	err := s.db.QueryRow(ctx, `
INSERT INTO crm_sync_records (order_id, sync_type, sync_status, created_at, updated_at, claim_token, claimed_until)
VALUES ($1, $2, $3, $4, $4, $5, $6)
ON CONFLICT (order_id) DO UPDATE
SET claim_token = EXCLUDED.claim_token, claimed_until = EXCLUDED.claimed_until
WHERE crm_sync_records.claimed_until IS NULL OR crm_sync_records.claimed_until <= $4
RETURNING order_id
`, orderID, models.SyncTypeCreate, models.SyncStatusPending, now, token, now.Add(ttl)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "claim record")
	}
	return true, nil
}

// ReleaseSync drops the claim only while it still carries token.
func (s *Storage) ReleaseSync(ctx context.Context, orderID int64, token string) error {
	_, err := s.db.Exec(ctx, `
UPDATE crm_sync_records
SET claim_token = NULL, claimed_until = NULL
WHERE order_id = $1 AND claim_token = $2
`, orderID, token)
	if err != nil {
		return errors.Wrap(err, "release claim")
	}
	return nil
}

// FindDueForRetry claims up to limit due records. Claimed rows have next_retry_at
// pushed forward by lease so concurrent workers do not pick them twice.
func (s *Storage) FindDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int, lease time.Duration) ([]*models.SyncRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT`+selectColumns+`
FROM crm_sync_records
WHERE sync_status = $1
  AND NOT permanently_failed
  AND retry_count < $2
  AND next_retry_at IS NOT NULL
  AND next_retry_at <= $3
ORDER BY next_retry_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, models.SyncStatusFailed, maxRetries, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due records")
	}
	defer rows.Close()

	var picked []*models.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due record")
		}
		picked = append(picked, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if lease > 0 {
		leaseUntil := now.UTC().Add(lease)
		for _, r := range picked {
			_, err := tx.Exec(ctx, `UPDATE crm_sync_records SET next_retry_at = $2 WHERE order_id = $1`, r.OrderID, leaseUntil)
			if err != nil {
				return nil, errors.Wrap(err, "lease record")
			}
			r.NextRetryAt = &leaseUntil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ClearRetryQueue unschedules every pending retry. Records keep their failed status.
func (s *Storage) ClearRetryQueue(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE crm_sync_records
SET next_retry_at = NULL, updated_at = now()
WHERE sync_status = $1 AND next_retry_at IS NOT NULL
`, models.SyncStatusFailed)
	if err != nil {
		return 0, errors.Wrap(err, "clear retry queue")
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) List(ctx context.Context, f models.RecordFilter) ([]*models.SyncRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var status *string
	if f.Status != nil {
		st := string(*f.Status)
		status = &st
	}

	rows, err := s.db.Query(ctx, `SELECT`+selectColumns+`
FROM crm_sync_records
WHERE ($1::text IS NULL OR sync_status = $1)
ORDER BY updated_at DESC, order_id DESC
LIMIT $2 OFFSET $3
`, status, f.Limit, f.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	defer rows.Close()

	var out []*models.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CountByStatus feeds the sync-status gauges.
func (s *Storage) CountByStatus(ctx context.Context) (map[models.SyncStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT sync_status, count(*) FROM crm_sync_records GROUP BY sync_status`)
	if err != nil {
		return nil, errors.Wrap(err, "count records")
	}
	defer rows.Close()

	out := make(map[models.SyncStatus]int64)
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[models.SyncStatus(st)] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
