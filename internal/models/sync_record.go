package models

import (
	"encoding/json"
	"errors"
	"time"
)

type SyncType string

const (
	SyncTypeCreate SyncType = "create"
	SyncTypeUpdate SyncType = "update"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeCreate || t == SyncTypeUpdate
}

type SyncStatus string

const (
	SyncStatusPending           SyncStatus = "pending"
	SyncStatusCompleted         SyncStatus = "completed"
	SyncStatusFailed            SyncStatus = "failed"
	SyncStatusPermanentlyFailed SyncStatus = "permanently_failed"
)

type SyncDirection string

const (
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
)

var (
	ErrRecordNotFound = errors.New("sync record not found")
	ErrRemoteIDTaken  = errors.New("remote id already linked to another order")
	ErrRemoteIDLocked = errors.New("remote id is immutable once set")
)

// SyncRecord links one storefront order to at most one CRM record.
type SyncRecord struct {
	OrderID  int64
	RemoteID *string

	SyncType   SyncType
	SyncStatus SyncStatus

	RetryCount  int
	NextRetryAt *time.Time

	ErrorMessage string

	RemoteStatus      string
	LastSyncDirection *SyncDirection

	RemoteSnapshot json.RawMessage

	PermanentlyFailed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSyncRecord(orderID int64, now time.Time) *SyncRecord {
	return &SyncRecord{
		OrderID:    orderID,
		SyncType:   SyncTypeCreate,
		SyncStatus: SyncStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (r *SyncRecord) HasRemote() bool {
	return r != nil && r.RemoteID != nil && *r.RemoteID != ""
}

func (r *SyncRecord) RemoteIDValue() string {
	if r == nil || r.RemoteID == nil {
		return ""
	}
	return *r.RemoteID
}

// SetRemoteID links the record to a CRM record. A linked record cannot be relinked.
func (r *SyncRecord) SetRemoteID(id string) error {
	if r.HasRemote() {
		if *r.RemoteID == id {
			return nil
		}
		return ErrRemoteIDLocked
	}
	r.RemoteID = &id
	return nil
}

func (r *SyncRecord) MarkCompleted(syncType SyncType, snapshot json.RawMessage, now time.Time) {
	r.SyncType = syncType
	r.SyncStatus = SyncStatusCompleted
	r.RetryCount = 0
	r.NextRetryAt = nil
	r.ErrorMessage = ""
	r.PermanentlyFailed = false
	r.RemoteSnapshot = snapshot
	r.UpdatedAt = now
}

// MarkFailed records a failed attempt. NextRetryAt stays empty until a retry is
// scheduled. A permanently failed record only takes the new message.
func (r *SyncRecord) MarkFailed(syncType SyncType, msg string, now time.Time) {
	if r.PermanentlyFailed {
		r.ErrorMessage = msg
		r.UpdatedAt = now
		return
	}
	r.SyncType = syncType
	r.SyncStatus = SyncStatusFailed
	r.RetryCount++
	r.NextRetryAt = nil
	r.ErrorMessage = msg
	r.UpdatedAt = now
}

func (r *SyncRecord) ScheduleRetry(at time.Time, now time.Time) {
	t := at.UTC()
	r.NextRetryAt = &t
	r.UpdatedAt = now
}

func (r *SyncRecord) MarkPermanentlyFailed(now time.Time) {
	r.SyncStatus = SyncStatusPermanentlyFailed
	r.PermanentlyFailed = true
	r.NextRetryAt = nil
	r.UpdatedAt = now
}

// ResetRetries is the manual override that revives a record, including a
// permanently failed one.
func (r *SyncRecord) ResetRetries(now time.Time) {
	r.RetryCount = 0
	r.PermanentlyFailed = false
	r.NextRetryAt = nil
	if r.SyncStatus == SyncStatusPermanentlyFailed || r.SyncStatus == SyncStatusFailed {
		r.SyncStatus = SyncStatusPending
	}
	r.UpdatedAt = now
}

func (r *SyncRecord) SetRemoteStatus(stage string, dir SyncDirection, now time.Time) {
	r.RemoteStatus = stage
	d := dir
	r.LastSyncDirection = &d
	r.UpdatedAt = now
}

// DueForRetry mirrors the selection used by the retry sweep.
func (r *SyncRecord) DueForRetry(now time.Time, maxRetries int) bool {
	return r.SyncStatus == SyncStatusFailed &&
		!r.PermanentlyFailed &&
		r.RetryCount < maxRetries &&
		r.NextRetryAt != nil &&
		!r.NextRetryAt.After(now)
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *SyncRecord) Clone() *SyncRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.RemoteID != nil {
		v := *r.RemoteID
		c.RemoteID = &v
	}
	if r.NextRetryAt != nil {
		v := *r.NextRetryAt
		c.NextRetryAt = &v
	}
	if r.LastSyncDirection != nil {
		v := *r.LastSyncDirection
		c.LastSyncDirection = &v
	}
	if r.RemoteSnapshot != nil {
		c.RemoteSnapshot = append(json.RawMessage(nil), r.RemoteSnapshot...)
	}
	return &c
}

type RecordFilter struct {
	Status *SyncStatus
	Limit  int
	Offset int
}
