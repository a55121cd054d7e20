package pgsync

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS crm_sync_records (
  order_id BIGINT PRIMARY KEY,
  remote_id TEXT NULL,
  sync_type TEXT NOT NULL,
  sync_status TEXT NOT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  next_retry_at TIMESTAMPTZ NULL,
  error_message TEXT NOT NULL DEFAULT '',
  remote_status TEXT NOT NULL DEFAULT '',
  last_sync_direction TEXT NULL,
  remote_snapshot JSONB NULL,
  permanently_failed BOOLEAN NOT NULL DEFAULT FALSE,
  claim_token TEXT NULL,
  claimed_until TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT chk_permanent_has_no_retry CHECK (NOT permanently_failed OR next_retry_at IS NULL)
)`,
		`ALTER TABLE crm_sync_records ADD COLUMN IF NOT EXISTS claim_token TEXT NULL`,
		`ALTER TABLE crm_sync_records ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMPTZ NULL`,
		// One remote record never belongs to two orders.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_crm_sync_records_remote_id ON crm_sync_records(remote_id) WHERE remote_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_crm_sync_records_due ON crm_sync_records(next_retry_at) WHERE sync_status = 'failed' AND NOT permanently_failed`,
		`CREATE INDEX IF NOT EXISTS idx_crm_sync_records_status ON crm_sync_records(sync_status, updated_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
