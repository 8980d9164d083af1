package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/user/fission"
)

// Redis uses one stream per stage named <prefix>:<stage>, read through a
// consumer group so each entry goes to one worker.
type Redis struct {
	client *redis.Client
	prefix string
	group  string
}

func NewRedis(addr, password, prefix, group string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix, group)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix, group string) *Redis {
	if group == "" {
		group = "fission"
	}
	return &Redis{client: client, prefix: prefix, group: group}
}

func (t *Redis) stream(stage string) string {
	return Name(t.prefix, ":", stage)
}

func (t *Redis) Transmit(ctx context.Context, destination string, body []byte) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream(destination),
		Values: map[string]interface{}{"data": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add to redis stream: %w", err)
	}
	return nil
}

func (t *Redis) Receiver(ctx context.Context, stage string) (fission.Receiver, error) {
	stream := t.stream(stage)
	err := t.client.XGroupCreateMkStream(ctx, stream, t.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create redis consumer group: %w", err)
	}
	host, _ := os.Hostname()
	return &redisReceiver{
		client:   t.client,
		stream:   stream,
		group:    t.group,
		consumer: fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
	}, nil
}

func (t *Redis) Close() error {
	return t.client.Close()
}

type redisReceiver struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

func (r *redisReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	for {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read from redis stream: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}
		x := streams[0].Messages[0]
		return &redisDelivery{r: r, id: x.ID, body: streamBody(x.Values["data"])}, nil
	}
}

func streamBody(v interface{}) []byte {
	switch data := v.(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	default:
		return nil
	}
}

func (r *redisReceiver) Close() error { return nil }

type redisDelivery struct {
	r    *redisReceiver
	id   string
	body []byte
}

func (d *redisDelivery) Body() []byte { return d.body }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.r.client.XAck(ctx, d.r.stream, d.r.group, d.id).Err()
}
