package fission

import "context"

// State is the terminal label given to an envelope when it is finalized.
type State string

const (
	StateComplete State = "complete"
	StateError    State = "error"
)

// Direction selects which destination a stage resolves for an envelope.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionError  Direction = "error"
)

// Delivery is a single message handed to a stage by a transport.
type Delivery interface {
	Body() []byte
	// Ack confirms the message with the transport. Transports deliver at least once;
	// a message that is never acknowledged will be redelivered.
	Ack(ctx context.Context) error
}

// Transmitter sends an encoded envelope to the named stage or endpoint.
type Transmitter interface {
	Transmit(ctx context.Context, destination string, body []byte) error
}

// Receiver yields deliveries for a single stage.
type Receiver interface {
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Transport is a Transmitter that can also open receivers for stages.
type Transport interface {
	Transmitter
	Receiver(ctx context.Context, stage string) (Receiver, error)
	Close() error
}

// Emitter publishes fire-and-forget lifecycle events.
type Emitter interface {
	Event(ctx context.Context, name string, attrs map[string]interface{})
}

// Logger defines the interface for logging in Fission.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Claimer records first ownership of a key across processes.
type Claimer interface {
	// Claim returns true if the caller is the first to claim key.
	Claim(ctx context.Context, key string) (bool, error)
}
