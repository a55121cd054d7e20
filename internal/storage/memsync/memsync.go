package memsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/CRMSync/internal/models"
)

// Storage is an in-memory SyncRecord repository with the same guarantees as the
// Postgres one: one record per order and unique remote ids.
type Storage struct {
	mu       sync.Mutex
	records  map[int64]*models.SyncRecord
	byRemote map[string]int64
	claims   map[int64]claim
	now      func() time.Time
}

type claim struct {
	token string
	until time.Time
}

func New() *Storage {
	return &Storage{
		records:  make(map[int64]*models.SyncRecord),
		byRemote: make(map[string]int64),
		claims:   make(map[int64]claim),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Storage) WithClock(now func() time.Time) *Storage {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[orderID]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return r.Clone(), nil
}

func (s *Storage) GetByRemoteID(ctx context.Context, remoteID string) (*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRemote[remoteID]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return s.records[id].Clone(), nil
}

func (s *Storage) Upsert(ctx context.Context, orderID int64, fn func(r *models.SyncRecord) error) (*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[orderID]
	var work *models.SyncRecord
	if ok {
		work = cur.Clone()
	} else {
		work = models.NewSyncRecord(orderID, s.now())
	}

	if err := fn(work); err != nil {
		return nil, err
	}

	if work.HasRemote() {
		if owner, taken := s.byRemote[*work.RemoteID]; taken && owner != orderID {
			return nil, models.ErrRemoteIDTaken
		}
	}
	if ok && cur.HasRemote() && cur.RemoteIDValue() != work.RemoteIDValue() {
		delete(s.byRemote, cur.RemoteIDValue())
	}
	if work.HasRemote() {
		s.byRemote[*work.RemoteID] = orderID
	}
	s.records[orderID] = work
	return work.Clone(), nil
}

// ClaimSync creates the record when missing, like the Postgres claim does.
func (s *Storage) ClaimSync(ctx context.Context, orderID int64, token string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[orderID]; ok && c.until.After(now) {
		return false, nil
	}
	if _, ok := s.records[orderID]; !ok {
		s.records[orderID] = models.NewSyncRecord(orderID, now)
	}
	s.claims[orderID] = claim{token: token, until: now.Add(ttl)}
	return true, nil
}

func (s *Storage) ReleaseSync(ctx context.Context, orderID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[orderID]; ok && c.token == token {
		delete(s.claims, orderID)
	}
	return nil
}

func (s *Storage) FindDueForRetry(ctx context.Context, now time.Time, maxRetries, limit int, lease time.Duration) ([]*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.SyncRecord
	for _, r := range s.records {
		if r.DueForRetry(now, maxRetries) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].OrderID < due[j].OrderID
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.SyncRecord, 0, len(due))
	for _, r := range due {
		if lease > 0 {
			until := now.UTC().Add(lease)
			r.NextRetryAt = &until
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Storage) ClearRetryQueue(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.SyncStatus == models.SyncStatusFailed && r.NextRetryAt != nil {
			r.NextRetryAt = nil
			r.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Storage) List(ctx context.Context, f models.RecordFilter) ([]*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var all []*models.SyncRecord
	for _, r := range s.records {
		if f.Status != nil && r.SyncStatus != *f.Status {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].OrderID > all[j].OrderID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if f.Offset >= len(all) {
		return nil, nil
	}
	if f.Offset > 0 {
		all = all[f.Offset:]
	}
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]*models.SyncRecord, 0, len(all))
	for _, r := range all {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *Storage) CountByStatus(ctx context.Context) (map[models.SyncStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.SyncStatus]int64)
	for _, r := range s.records {
		out[r.SyncStatus]++
	}
	return out, nil
}
