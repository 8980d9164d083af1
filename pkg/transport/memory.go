package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/user/fission"
)

// MemoryDelivery is a delivery from the in-process transport.
type MemoryDelivery struct {
	body []byte
	acks int32
}

func (d *MemoryDelivery) Body() []byte { return d.body }

func (d *MemoryDelivery) Ack(context.Context) error {
	atomic.AddInt32(&d.acks, 1)
	return nil
}

// Acks returns how many times the delivery was acknowledged.
func (d *MemoryDelivery) Acks() int {
	return int(atomic.LoadInt32(&d.acks))
}

// Memory is an in-process transport with one buffered queue per stage. It is
// meant for tests and single-process pipelines.
type Memory struct {
	mu     sync.Mutex
	size   int
	queues map[string]chan *MemoryDelivery
	closed chan struct{}
	once   sync.Once
}

// NewMemory returns a Memory transport whose queues hold size deliveries (default 1024).
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		size:   size,
		queues: make(map[string]chan *MemoryDelivery),
		closed: make(chan struct{}),
	}
}

func (m *Memory) queue(stage string) chan *MemoryDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[stage]
	if !ok {
		q = make(chan *MemoryDelivery, m.size)
		m.queues[stage] = q
	}
	return q
}

func (m *Memory) Transmit(ctx context.Context, destination string, body []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	d := &MemoryDelivery{body: append([]byte(nil), body...)}
	select {
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.queue(destination) <- d:
		return nil
	}
}

// Pending returns the number of queued deliveries for stage.
func (m *Memory) Pending(stage string) int {
	return len(m.queue(stage))
}

func (m *Memory) Receiver(_ context.Context, stage string) (fission.Receiver, error) {
	return &memoryReceiver{m: m, q: m.queue(stage)}, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

type memoryReceiver struct {
	m *Memory
	q chan *MemoryDelivery
}

func (r *memoryReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	select {
	case <-r.m.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case <-r.m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-r.q:
		return d, nil
	}
}

func (r *memoryReceiver) Close() error { return nil }
