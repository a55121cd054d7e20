package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeOrderStatusChanged  = "order.status_changed"
	TypeRemoteStatusChanged = "crm.stage_changed"
	TypeOrderChanged        = "order.changed"
)

type Event interface {
	EventType() string
	EventID() uuid.UUID
}

// OrderStatusChanged is a storefront order transition.
type OrderStatusChanged struct {
	ID         uuid.UUID `json:"id"`
	OrderID    int64     `json:"order_id"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewOrderStatusChanged(orderID int64, oldStatus, newStatus string) OrderStatusChanged {
	return OrderStatusChanged{
		ID:         uuid.New(),
		OrderID:    orderID,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		OccurredAt: time.Now().UTC(),
	}
}

func (e OrderStatusChanged) EventType() string  { return TypeOrderStatusChanged }
func (e OrderStatusChanged) EventID() uuid.UUID { return e.ID }

// RemoteStatusChanged is an inbound CRM notification. Payload carries the stage
// under the configured key.
type RemoteStatusChanged struct {
	ID         uuid.UUID      `json:"id"`
	RemoteID   string         `json:"remote_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewRemoteStatusChanged(remoteID string, payload map[string]any) RemoteStatusChanged {
	return RemoteStatusChanged{
		ID:         uuid.New(),
		RemoteID:   remoteID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

func (e RemoteStatusChanged) EventType() string  { return TypeRemoteStatusChanged }
func (e RemoteStatusChanged) EventID() uuid.UUID { return e.ID }

// OrderChanged is any storefront order save; it drives auto-sync.
type OrderChanged struct {
	ID         uuid.UUID `json:"id"`
	OrderID    int64     `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewOrderChanged(orderID int64) OrderChanged {
	return OrderChanged{ID: uuid.New(), OrderID: orderID, OccurredAt: time.Now().UTC()}
}

func (e OrderChanged) EventType() string  { return TypeOrderChanged }
func (e OrderChanged) EventID() uuid.UUID { return e.ID }
