// Package finalizer fans a finished envelope out to the handler endpoints
// configured for its terminal state.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/user/fission"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/formatter"
	"github.com/user/fission/pkg/logger"
)

var (
	// ErrFinalization marks an unexpected failure inside finalization. It is logged, never returned.
	ErrFinalization = errors.New("finalization failed")
	// ErrTransmission marks a failed send to one handler endpoint.
	ErrTransmission = errors.New("transmission to handler failed")
	// ErrDoubleFinalization marks an attempt to finalize a frozen envelope.
	ErrDoubleFinalization = errors.New("envelope already finalized")
)

// EventFinalize is emitted once per finalization.
const EventFinalize = "job_finalize"

// Cleaner releases per-message scratch resources.
type Cleaner interface {
	Clean(messageID string)
}

// Options configures a Dispatcher.
type Options struct {
	// Service is the stage identity recorded on events.
	Service string
	// Name is the callback name recorded on events; defaults to Service.
	Name        string
	Host        string
	Handlers    map[string][]string
	Transmitter fission.Transmitter
	Chain       *formatter.Chain
	Scratch     Cleaner
	Emitter     fission.Emitter
	// Claimer, when set, must grant the message id before fan-out.
	Claimer fission.Claimer
	Logger  fission.Logger
}

// Dispatcher performs terminal fan-out for one stage.
type Dispatcher struct {
	service     string
	name        string
	host        string
	handlers    map[fission.State][]string
	transmitter fission.Transmitter
	chain       *formatter.Chain
	scratch     Cleaner
	emitter     fission.Emitter
	claimer     fission.Claimer
	logger      fission.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		service:     opts.Service,
		name:        opts.Name,
		host:        opts.Host,
		handlers:    make(map[fission.State][]string, len(opts.Handlers)),
		transmitter: opts.Transmitter,
		chain:       opts.Chain,
		scratch:     opts.Scratch,
		emitter:     opts.Emitter,
		claimer:     opts.Claimer,
		logger:      opts.Logger,
	}
	if d.name == "" {
		d.name = d.service
	}
	if d.logger == nil {
		d.logger = logger.Nop{}
	}
	for state, endpoints := range opts.Handlers {
		d.handlers[fission.State(state)] = append([]string(nil), endpoints...)
	}
	return d
}

// Endpoints returns the handler endpoints configured for state.
func (d *Dispatcher) Endpoints(state fission.State) []string {
	return append([]string(nil), d.handlers[state]...)
}

// Finalize marks env with state, freezes it and transmits it to every handler
// endpoint for state. Nothing is returned: failures are logged and the
// envelope is not retried.
func (d *Dispatcher) Finalize(ctx context.Context, env *envelope.Envelope, state fission.State) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(env, fmt.Errorf("%w: panic: %v", ErrFinalization, r))
		}
	}()
	if err := d.finalize(ctx, env, state); err != nil {
		d.fail(env, fmt.Errorf("%w: %v", ErrFinalization, err))
	}
}

func (d *Dispatcher) fail(env *envelope.Envelope, err error) {
	Failures.WithLabelValues(d.service).Inc()
	var id string
	if env != nil {
		id = env.MessageID
	}
	d.logger.Error("Unexpected error encountered in finalizers, consuming error and dropping envelope",
		"service", d.service,
		"message_id", id,
		"error", err,
	)
	d.logger.Debug("Finalization failure detail", "message_id", id, "stack", string(debug.Stack()))
}

func (d *Dispatcher) finalize(ctx context.Context, env *envelope.Envelope, state fission.State) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	if d.scratch != nil {
		d.scratch.Clean(env.MessageID)
	}
	if env.Frozen {
		d.double(env, "frozen")
		return nil
	}
	if d.claimer != nil {
		ok, err := d.claimer.Claim(ctx, env.MessageID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", env.MessageID, err)
		}
		if !ok {
			d.double(env, "claimed")
			return nil
		}
	}

	endpoints := d.handlers[state]
	env.Status = string(state)
	d.chain.Apply(env)
	env.Frozen = true

	if len(endpoints) > 0 {
		for _, endpoint := range endpoints {
			if removed := env.DropCompletePrefix(endpoint); len(removed) > 0 {
				d.logger.Debug("Cleared endpoint entries from complete set",
					"endpoint", endpoint, "removed", removed, "message_id", env.MessageID)
			}
			env.Job = endpoint
			if err := d.transmit(ctx, endpoint, env); err != nil {
				TransmissionFailures.WithLabelValues(d.service, endpoint).Inc()
				d.logger.Error("Completed transmission failed to endpoint",
					"endpoint", endpoint,
					"message_id", env.MessageID,
					"error", err,
				)
			}
		}
	} else {
		Dropped.WithLabelValues(d.service, string(state)).Inc()
		d.logger.Warn("Envelope reached finalized state with no handler defined",
			"state", string(state),
			"message_id", env.MessageID,
			"service", d.service,
		)
	}
	Finalizations.WithLabelValues(d.service, string(state)).Inc()

	if d.emitter != nil {
		d.emitter.Event(ctx, EventFinalize, map[string]interface{}{
			"state":         string(state),
			"message_id":    env.MessageID,
			"service_name":  d.service,
			"callback_name": d.name,
			"host":          d.host,
		})
	}
	return nil
}

func (d *Dispatcher) double(env *envelope.Envelope, reason string) {
	DoubleFinalizations.WithLabelValues(d.service).Inc()
	d.logger.Error("Attempted finalization of frozen envelope",
		"reason", reason,
		"message_id", env.MessageID,
		"job", env.Job,
		"error", ErrDoubleFinalization,
	)
}

func (d *Dispatcher) transmit(ctx context.Context, endpoint string, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrTransmission, endpoint, r)
		}
	}()
	if d.transmitter == nil {
		return fmt.Errorf("%w: %s: no transmitter", ErrTransmission, endpoint)
	}
	body, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransmission, endpoint, err)
	}
	if err := d.transmitter.Transmit(ctx, endpoint, body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransmission, endpoint, err)
	}
	return nil
}
