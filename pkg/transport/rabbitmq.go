package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/user/fission"
)

// RabbitMQ publishes to one durable queue per stage named <prefix>.<stage>.
type RabbitMQ struct {
	url      string
	prefix   string
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	mu       sync.Mutex
}

func NewRabbitMQ(url, prefix string) (*RabbitMQ, error) {
	if url == "" {
		return nil, errors.New("rabbitmq transport url is not configured")
	}
	if !strings.HasPrefix(url, "amqp://") && !strings.HasPrefix(url, "amqps://") {
		return nil, errors.New("rabbitmq transport url must start with 'amqp://' or 'amqps://'")
	}
	return &RabbitMQ{url: url, prefix: prefix, declared: make(map[string]bool)}, nil
}

// ensureConnected must be called with mu held.
func (t *RabbitMQ) ensureConnected() error {
	if t.conn != nil && !t.conn.IsClosed() && t.channel != nil && !t.channel.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	t.conn = conn
	t.channel = ch
	t.declared = make(map[string]bool)
	return nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

func (t *RabbitMQ) Transmit(ctx context.Context, destination string, body []byte) error {
	queue := Name(t.prefix, ".", destination)

	t.mu.Lock()
	if err := t.ensureConnected(); err != nil {
		t.mu.Unlock()
		return err
	}
	if !t.declared[queue] {
		if err := declare(t.channel, queue); err != nil {
			t.mu.Unlock()
			return err
		}
		t.declared[queue] = true
	}
	ch := t.channel
	t.mu.Unlock()

	err := ch.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message to RabbitMQ: %w", err)
	}
	return nil
}

// Receiver opens a dedicated channel so prefetch and acks stay per worker.
func (t *RabbitMQ) Receiver(_ context.Context, stage string) (fission.Receiver, error) {
	queue := Name(t.prefix, ".", stage)

	t.mu.Lock()
	if err := t.ensureConnected(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	conn := t.conn
	t.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}
	return &rabbitReceiver{ch: ch, msgs: msgs}, nil
}

func (t *RabbitMQ) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channel != nil {
		t.channel.Close()
		t.channel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

type rabbitReceiver struct {
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
}

func (r *rabbitReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-r.msgs:
		if !ok {
			return nil, fmt.Errorf("rabbitmq channel closed")
		}
		return rabbitDelivery{d}, nil
	}
}

func (r *rabbitReceiver) Close() error {
	return r.ch.Close()
}

type rabbitDelivery struct {
	d amqp.Delivery
}

func (d rabbitDelivery) Body() []byte { return d.d.Body }

func (d rabbitDelivery) Ack(context.Context) error {
	return d.d.Ack(false)
}
