package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/config"
)

// publisher is the part of *amqp.Channel used to send batches
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes one persistent JSON message per batch to a durable direct exchange
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    publisher
	exchange   string
	routingKey string
	log        *logrus.Entry
}

// NewRabbitMQ connects, declares the exchange and queue, and binds them
func NewRabbitMQ(cfg config.RabbitMQConfig, log *logrus.Entry) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}

	log.WithFields(logrus.Fields{
		"exchange":    cfg.Exchange,
		"queue":       cfg.QueueName,
		"routing_key": cfg.RoutingKey,
	}).Info("Connected to RabbitMQ")

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        log,
	}, nil
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

// Notify publishes the batch. An empty batch is not published.
func (r *RabbitMQ) Notify(ctx context.Context, b Batch) error {
	if b.Total() == 0 {
		return nil
	}
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	err = r.channel.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     b.ID,
		CorrelationId: b.RunID,
		Body:          body,
		Timestamp:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}

	r.log.WithFields(logrus.Fields{"batch_id": b.ID, "total": b.Total()}).Debug("Published new-content batch")
	return nil
}

// Close closes the channel and the connection
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
