// Package eventbus publishes evaluation/build status transitions onto
// RabbitMQ so external listeners (webhooks, the out-of-scope TUI) can
// react without polling the data store, grounded on the teacher's
// common/mrabbitmq connection idiom and
// components/consumer/internal/adapters/rabbitmq/producer.rabbitmq.go's
// publisher shape. Uses github.com/rabbitmq/amqp091-go, the maintained
// fork of the teacher's streadway/amqp.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

const (
	statusExchange = "gradient.status"
	exchangeKind   = "topic"
)

// Connection is a hub dealing with rabbitmq connections, the same
// singleton-dial shape as the teacher's mrabbitmq.RabbitMQConnection.
// Unlike that type, Connect does not close the channel it just opened
// before returning it (the teacher's `defer conn.Close()`/`defer
// ch.Close()` inside Connect leaves Channel pointing at an already-closed
// channel), and in place of the teacher's healthCheck, Connect declares
// the durable status exchange and treats that declare's error as the
// connection's health signal.
type Connection struct {
	URI    string
	Logger log.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(c.URI)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(statusExchange, exchangeKind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()

		return fmt.Errorf("declare status exchange: %w", err)
	}

	c.conn = conn
	c.channel = ch

	c.Logger.Info("connected to rabbitmq")

	return nil
}

func (c *Connection) channelHandle(ctx context.Context) (*amqp.Channel, error) {
	if c.channel == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.channel, nil
}

func (c *Connection) Close() error {
	var chErr, connErr error

	if c.channel != nil {
		chErr = c.channel.Close()
	}

	if c.conn != nil {
		connErr = c.conn.Close()
	}

	if chErr != nil {
		return chErr
	}

	return connErr
}

// StatusEvent is the message body published for every evaluation or
// build status transition.
type StatusEvent struct {
	Kind         string    `json:"kind"` // "evaluation" or "build"
	ID           string    `json:"id"`
	EvaluationID string    `json:"evaluation_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher publishes StatusEvent messages, matching
// ProducerRabbitMQRepository's ProducerDefault shape.
type Publisher struct {
	Conn *Connection
}

func NewPublisher(conn *Connection) *Publisher { return &Publisher{Conn: conn} }

// Publish sends ev to the status exchange under routing key
// "<kind>.<status>" (e.g. "build.completed"), so a listener can bind a
// queue to a wildcard pattern like "build.*" or "evaluation.failed".
func (p *Publisher) Publish(ctx context.Context, ev StatusEvent) error {
	ch, err := p.Conn.channelHandle(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s", ev.Kind, ev.Status)

	return ch.PublishWithContext(ctx, statusExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
}
