package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one decoded SynthesizeMessage. A returned error
// nacks the delivery without requeue, matching the teacher's own
// processMessage failure handling (retries are the Segment Worker's
// job, not the queue's).
type Handler func(ctx context.Context, msg SynthesizeMessage) error

// Consumer drains task.synthesize messages for the Worker process.
type Consumer struct {
	conn *Connection
	log  *zap.Logger
}

// NewConsumer builds a Consumer over conn.
func NewConsumer(conn *Connection, log *zap.Logger) *Consumer {
	return &Consumer{conn: conn, log: log}
}

// Run blocks, dispatching messages to handle until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch); err != nil {
		return err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.log.Info("queue: consumer started", zap.String("queue", QueueName))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("queue: consumer stopping")
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed")
			}
			c.handleDelivery(ctx, handle, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, handle Handler, delivery amqp.Delivery) {
	var msg SynthesizeMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.log.Error("queue: decode message", zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}

	if err := handle(ctx, msg); err != nil {
		c.log.Error("queue: handler failed", zap.String("text_id", msg.TextID), zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}

	_ = delivery.Ack(false)
}
