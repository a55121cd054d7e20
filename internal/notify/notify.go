package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/CRMSync/internal/broker/messages"
	"github.com/BearBump/CRMSync/internal/models"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Kafka publishes permanent failures so operators and other services can react.
type Kafka struct {
	pub   Publisher
	topic string
}

func NewKafka(pub Publisher, topic string) *Kafka {
	return &Kafka{pub: pub, topic: topic}
}

func (k *Kafka) NotifyPermanentFailure(ctx context.Context, rec *models.SyncRecord) error {
	return k.pub.PublishJSON(ctx, k.topic, strconv.FormatInt(rec.OrderID, 10), message(rec))
}

// Log writes permanent failures to the log only.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("service", "notify")}
}

func (l *Log) NotifyPermanentFailure(ctx context.Context, rec *models.SyncRecord) error {
	l.logger.Error("order sync permanently failed",
		"order_id", rec.OrderID,
		"sync_type", string(rec.SyncType),
		"retry_count", rec.RetryCount,
		"error", rec.ErrorMessage,
	)
	return nil
}

func message(rec *models.SyncRecord) messages.PermanentlyFailed {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return messages.PermanentlyFailed{
		OrderID:    rec.OrderID,
		SyncType:   string(rec.SyncType),
		RetryCount: rec.RetryCount,
		Error:      rec.ErrorMessage,
		FailedAt:   at,
	}
}
