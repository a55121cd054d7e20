package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/CRMSync/internal/broker/messages"
	"github.com/BearBump/CRMSync/internal/events"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/BearBump/CRMSync/internal/services/syncer"
	"github.com/pkg/errors"
)

type Syncer interface {
	HandleOrderChanged(ctx context.Context, orderID int64) (syncer.Result, bool)
}

type Reconciler interface {
	OnLocalStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) (string, error)
	OnRemoteStatusChanged(ctx context.Context, remoteID string, payload map[string]any) (string, error)
}

type RecordReader interface {
	GetByOrderID(ctx context.Context, orderID int64) (*models.SyncRecord, error)
}

// Register subscribes the sync services to the bus. A status change of an order
// that was never linked to the CRM is treated as an auto-sync trigger.
func Register(bus *events.Bus, sy Syncer, rec Reconciler, repo RecordReader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "dispatch")

	events.On(bus, func(ctx context.Context, e events.OrderStatusChanged) error {
		r, err := repo.GetByOrderID(ctx, e.OrderID)
		if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
			return errors.Wrap(err, "load sync record")
		}
		if !r.HasRemote() {
			res, ran := sy.HandleOrderChanged(ctx, e.OrderID)
			if ran {
				logger.Info("auto sync on status change", "order_id", e.OrderID, "status", e.NewStatus, "success", res.Success)
			}
			return nil
		}
		_, err = rec.OnLocalStatusChanged(ctx, e.OrderID, e.OldStatus, e.NewStatus)
		return err
	})

	events.On(bus, func(ctx context.Context, e events.RemoteStatusChanged) error {
		_, err := rec.OnRemoteStatusChanged(ctx, e.RemoteID, e.Payload)
		return err
	})

	events.On(bus, func(ctx context.Context, e events.OrderChanged) error {
		sy.HandleOrderChanged(ctx, e.OrderID)
		return nil
	})
}

// Decoder turns a Kafka message value into a bus event.
type Decoder func(value []byte) (events.Event, error)

func DecodeOrderStatus(value []byte) (events.Event, error) {
	var m messages.OrderStatusChanged
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, err
	}
	if m.OrderID <= 0 {
		return nil, errors.New("order_id is required")
	}
	return events.NewOrderStatusChanged(m.OrderID, m.OldStatus, m.NewStatus), nil
}

func DecodeCRMStage(value []byte) (events.Event, error) {
	var m messages.CRMStageChanged
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, err
	}
	if m.RemoteID == "" {
		return nil, errors.New("remote_id is required")
	}
	return events.NewRemoteStatusChanged(m.RemoteID, m.Payload), nil
}

func DecodeOrderChanged(value []byte) (events.Event, error) {
	var m messages.OrderChanged
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, err
	}
	if m.OrderID <= 0 {
		return nil, errors.New("order_id is required")
	}
	return events.NewOrderChanged(m.OrderID), nil
}

// KafkaHandler adapts a consumer to the bus. Malformed messages and handler failures
// are logged and acknowledged so one bad message cannot stall the partition.
func KafkaHandler(ctx context.Context, bus *events.Bus, topic string, decode Decoder, logger *slog.Logger) func(key, value []byte) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(key, value []byte) error {
		e, err := decode(value)
		if err != nil {
			logger.Warn("drop malformed message", "topic", topic, "key", string(key), "error", err.Error())
			return nil
		}
		if err := bus.Publish(ctx, e); err != nil {
			logger.Error("handle message", "topic", topic, "key", string(key), "error", err.Error())
		}
		return nil
	}
}
