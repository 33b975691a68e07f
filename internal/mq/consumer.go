package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads from a durable queue bound to a topic exchange. Deliveries need manual acks.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	keys     []string
}

// NewConsumer dials url, declares exchange and queue, and binds keys. prefetch bounds unacked deliveries.
func NewConsumer(url string, exchange string, queue string, keys []string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(err error) (*Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := declareExchange(ch, exchange); err != nil {
		return fail(err)
	}
	declared, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	for _, key := range keys {
		if err := ch.QueueBind(declared.Name, key, exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind %s: %w", key, err))
		}
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail(fmt.Errorf("set qos: %w", err))
		}
	}
	return &Consumer{conn: conn, ch: ch, exchange: exchange, queue: declared.Name, keys: keys}, nil
}

// Deliveries starts consuming. The channel closes when ctx is cancelled or the connection drops.
func (consumer *Consumer) Deliveries(ctx context.Context) (<-chan amqp.Delivery, error) {
	return consumer.ch.ConsumeWithContext(ctx, consumer.queue, "", false, false, false, false, nil)
}

// Close releases the channel and connection.
func (consumer *Consumer) Close() error {
	if consumer.ch != nil {
		_ = consumer.ch.Close()
	}
	if consumer.conn != nil {
		return consumer.conn.Close()
	}
	return nil
}
