package transport

import (
	"context"
	"fmt"
	"regexp"

	"github.com/nats-io/nats.go"
	"github.com/user/fission"
)

// Nats publishes to JetStream subjects named <prefix>.<stage>. Workers of a
// stage share a queue group so each message goes to one of them.
type Nats struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

func NewNats(url, prefix, username, password, token string) (*Nats, error) {
	opts := []nats.Option{nats.Name("fission")}
	if token != "" {
		opts = append(opts, nats.Token(token))
	} else if username != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Nats{nc: nc, js: js, prefix: prefix}, nil
}

func (t *Nats) Transmit(ctx context.Context, destination string, body []byte) error {
	subject := Name(t.prefix, ".", destination)
	if _, err := t.js.Publish(subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (t *Nats) Receiver(_ context.Context, stage string) (fission.Receiver, error) {
	subject := Name(t.prefix, ".", stage)
	sub, err := t.js.QueueSubscribeSync(subject, queueGroup(stage), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsReceiver{sub: sub}, nil
}

func (t *Nats) Close() error {
	t.nc.Close()
	return nil
}

var invalidGroupChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// queueGroup derives a durable-safe queue name; JetStream rejects '.' and ':' there.
func queueGroup(stage string) string {
	return invalidGroupChars.ReplaceAllString(stage, "_")
}

type natsReceiver struct {
	sub *nats.Subscription
}

func (r *natsReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	m, err := r.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return natsDelivery{m}, nil
}

func (r *natsReceiver) Close() error {
	return r.sub.Unsubscribe()
}

type natsDelivery struct {
	m *nats.Msg
}

func (d natsDelivery) Body() []byte { return d.m.Data }

func (d natsDelivery) Ack(ctx context.Context) error {
	return d.m.Ack(nats.Context(ctx))
}
