package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads storefront or CRM notifications from one topic. Each sync-api
// replica joins the same group, so a notification is handled by one replica.
type Consumer struct {
	r       messageReader
	topic   string
	handled int64
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
		MaxWait:           time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg), topic)
}

func newConsumerWithReader(r messageReader, topic string) *Consumer {
	return &Consumer{r: r, topic: topic}
}

func (c *Consumer) Topic() string { return c.topic }

// Handled is the number of notifications committed since start. Consume is the
// only writer, so it is meant for the consuming goroutine and tests.
func (c *Consumer) Handled() int64 { return c.handled }

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume hands every notification to handler and commits it once handled. It
// returns ctx.Err() on shutdown, and the first reader or handler failure otherwise.
// A notification whose handler failed is not committed and comes back after a
// restart.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "fetch from %s", c.topic)
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "commit %s offset %d", c.topic, msg.Offset)
		}
		c.handled++
	}
}
