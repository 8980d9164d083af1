package transport

import (
	"context"
	"fmt"

	"github.com/user/fission"
	"github.com/user/fission/pkg/compression"
)

// Compressed wraps t so bodies are compressed on the wire.
func Compressed(t fission.Transport, c compression.Compressor) fission.Transport {
	return &compressed{Transport: t, c: c}
}

type compressed struct {
	fission.Transport
	c compression.Compressor
}

func (t *compressed) Unwrap() fission.Transport { return t.Transport }

func (t *compressed) Transmit(ctx context.Context, destination string, body []byte) error {
	data, err := t.c.Compress(body)
	if err != nil {
		return fmt.Errorf("failed to compress envelope with %s: %w", t.c.Algorithm(), err)
	}
	return t.Transport.Transmit(ctx, destination, data)
}

func (t *compressed) Receiver(ctx context.Context, stage string) (fission.Receiver, error) {
	r, err := t.Transport.Receiver(ctx, stage)
	if err != nil {
		return nil, err
	}
	return &decompressingReceiver{Receiver: r, c: t.c}, nil
}

type decompressingReceiver struct {
	fission.Receiver
	c compression.Compressor
}

func (r *decompressingReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	d, err := r.Receiver.Receive(ctx)
	if err != nil {
		return nil, err
	}
	body, err := r.c.Decompress(d.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to decompress delivery with %s: %w", r.c.Algorithm(), err)
	}
	return &decompressedDelivery{Delivery: d, body: body}, nil
}

type decompressedDelivery struct {
	fission.Delivery
	body []byte
}

func (d *decompressedDelivery) Body() []byte { return d.body }
