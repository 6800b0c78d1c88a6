// Package queue hands a newly accepted task off from the API process to
// the Worker process, grounded on the teacher's shared/queue package.
// Segment-level fan-out stays in-process (internal/engine); this is the
// one hop spec §2's flow keeps external, matching the teacher's own
// split between its API service publishing work and its Worker service
// consuming it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
)

const (
	exchangeName = "tts_task_exchange"
	exchangeType = "topic"

	// QueueName and RoutingKey identify the single hop this package
	// carries: a newly accepted task waiting for the Worker process to
	// call engine.Execute.
	QueueName  = "task.synthesize"
	RoutingKey = "task.synthesize"
)

// SynthesizeMessage is the body of a task.synthesize message.
type SynthesizeMessage struct {
	TextID string `json:"text_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// Connection wraps a RabbitMQ connection.
type Connection struct {
	*amqp.Connection
}

// NewConnection dials cfg.URL.
func NewConnection(cfg config.RabbitMQConfig) (*Connection, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return &Connection{conn}, nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.Connection.Close()
}

// Publisher publishes task.synthesize messages for the Worker process
// to consume.
type Publisher struct {
	conn *Connection
}

// NewPublisher builds a Publisher over conn.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

// PublishSynthesize hands textID's accepted task to the Worker process.
func (p *Publisher) PublishSynthesize(ctx context.Context, msg SynthesizeMessage) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal synthesize message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(ctx, exchangeName, RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}
