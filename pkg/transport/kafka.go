package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/user/fission"
)

// Kafka writes to one topic per stage. Offsets are committed on Ack.
type Kafka struct {
	brokers []string
	prefix  string
	group   string
	writer  *kafka.Writer
	dialer  *kafka.Dialer
}

func NewKafka(brokers []string, prefix, group, username, password string) *Kafka {
	var transport *kafka.Transport
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if username != "" {
		mechanism := plain.Mechanism{
			Username: username,
			Password: password,
		}
		transport = &kafka.Transport{SASL: mechanism}
		dialer.SASLMechanism = mechanism
	}
	if group == "" {
		group = "fission"
	}
	return &Kafka{
		brokers: brokers,
		prefix:  prefix,
		group:   group,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			Transport:              transport,
		},
		dialer: dialer,
	}
}

func (t *Kafka) Transmit(ctx context.Context, destination string, body []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicName(t.prefix, destination),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (t *Kafka) Receiver(_ context.Context, stage string) (fission.Receiver, error) {
	return &kafkaReceiver{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: t.brokers,
			Topic:   topicName(t.prefix, stage),
			GroupID: t.group + "." + queueGroup(stage),
			Dialer:  t.dialer,
		}),
	}, nil
}

func (t *Kafka) Close() error {
	return t.writer.Close()
}

type kafkaReceiver struct {
	reader *kafka.Reader
}

func (r *kafkaReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	m, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read message from kafka: %w", err)
	}
	return kafkaDelivery{r: r.reader, m: m}, nil
}

func (r *kafkaReceiver) Close() error {
	return r.reader.Close()
}

type kafkaDelivery struct {
	r *kafka.Reader
	m kafka.Message
}

func (d kafkaDelivery) Body() []byte { return d.m.Value }

func (d kafkaDelivery) Ack(ctx context.Context) error {
	return d.r.CommitMessages(ctx, d.m)
}
