package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig describes where envelopes are published.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Queue      string
}

// RabbitMQ publishes persistent JSON messages. An empty exchange publishes
// straight to the declared queue.
type RabbitMQ struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// NewRabbitMQ dials the broker, declares the queue and binds it when an
// exchange is configured.
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, deliveryError(errors.New("url is empty"), "rabbitmq", "configure rabbitmq outbox")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "geoattest.attestations"
	}
	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = queue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, deliveryError(err, "rabbitmq", "connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, deliveryError(err, "rabbitmq", "open channel")
	}
	fail := func(err error, msg string) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, deliveryError(err, "rabbitmq", msg)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(err, "declare queue")
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fail(err, "declare exchange")
		}
		if err := ch.QueueBind(queue, routingKey, cfg.Exchange, false, nil); err != nil {
			return fail(err, fmt.Sprintf("bind %s to %s", queue, cfg.Exchange))
		}
	} else {
		routingKey = queue
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: cfg.Exchange, routingKey: routingKey}, nil
}

func (q *RabbitMQ) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.ch == nil {
		return deliveryError(ErrClosed, "rabbitmq", "publish envelope")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return deliveryError(err, "rabbitmq", "encode envelope")
	}
	err = q.ch.PublishWithContext(ctx, q.exchange, q.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Type:         string(env.Schema),
		Body:         body,
	})
	if err != nil {
		return deliveryError(err, "rabbitmq", "publish envelope")
	}
	return nil
}

func (q *RabbitMQ) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
