package messages

import "time"

// OrderStatusChanged arrives from the storefront on the order-status topic.
type OrderStatusChanged struct {
	OrderID   int64  `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// CRMStageChanged arrives from the CRM on the stage topic.
type CRMStageChanged struct {
	RemoteID string         `json:"remote_id"`
	Payload  map[string]any `json:"payload"`
}

// OrderChanged asks for an auto-sync of the order.
type OrderChanged struct {
	OrderID int64 `json:"order_id"`
}

type OrderSynced struct {
	OrderID    int64     `json:"order_id"`
	RemoteID   string    `json:"remote_id"`
	SyncType   string    `json:"sync_type"`
	RecordKind string    `json:"record_kind"`
	SyncedAt   time.Time `json:"synced_at"`
}

type PermanentlyFailed struct {
	OrderID    int64     `json:"order_id"`
	SyncType   string    `json:"sync_type"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}
