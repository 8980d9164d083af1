// Package stage implements one processing hop of a pipeline: admission,
// routing, completion marking, forwarding and failure reporting for envelopes
// delivered by a transport.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/user/fission"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/finalizer"
	"github.com/user/fission/pkg/formatter"
	"github.com/user/fission/pkg/logger"
	"github.com/user/fission/pkg/scratch"
	"github.com/user/fission/pkg/tenant"
)

// ErrMissingJob is returned when forwarding an envelope that has no job.
var ErrMissingJob = errors.New("envelope has no job")

// Lifecycle events emitted around every handler invocation.
const (
	EventServiceStart    = "service_start"
	EventServiceComplete = "service_complete"
)

// DefaultFailureReason is recorded when Failed is called without a reason.
const DefaultFailureReason = "No message provided"

// Handler performs the business work of a stage for one envelope. It is
// expected to end by calling JobCompleted, Completed, Forward or Failed.
type Handler func(ctx context.Context, s *Stage, env *envelope.Envelope, d fission.Delivery) error

// Options configures a Stage.
type Options struct {
	// Service is the stage identity used for routing and completion markers.
	Service string
	// Name is the callback name reported on events; defaults to Service.
	Name string
	Host string
	// Config is the static configuration of the service.
	Config      config.Tree
	Transmitter fission.Transmitter
	// Formatters are the formatters retained for this service, in order.
	Formatters []formatter.Formatter
	// Handlers maps terminal states to finalizer endpoints.
	Handlers map[string][]string
	Scratch  *scratch.Space
	// Secret opens tenant configuration; empty uses config.DefaultSecret.
	Secret  string
	Emitter fission.Emitter
	Claimer fission.Claimer
	Logger  fission.Logger
}

// Stage is immutable after New and safe for concurrent use by several workers.
type Stage struct {
	service     string
	name        string
	host        string
	static      config.Tree
	transmitter fission.Transmitter
	chain       *formatter.Chain
	finalizer   *finalizer.Dispatcher
	scratch     *scratch.Space
	scope       *tenant.Scope
	emitter     fission.Emitter
	logger      fission.Logger
}

func New(opts Options) (*Stage, error) {
	if opts.Service == "" {
		return nil, errors.New("stage: service is required")
	}
	if opts.Transmitter == nil {
		return nil, fmt.Errorf("stage %s: transmitter is required", opts.Service)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	name := opts.Name
	if name == "" {
		name = opts.Service
	}
	host := opts.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	static := opts.Config
	if static == nil {
		static = config.Tree{}
	}
	space := opts.Scratch
	if space == nil {
		space = scratch.New(nil, "", opts.Service, log)
	}

	chain := formatter.NewChain(opts.Service, opts.Formatters, log)
	s := &Stage{
		service:     opts.Service,
		name:        name,
		host:        host,
		static:      static,
		transmitter: opts.Transmitter,
		chain:       chain,
		scratch:     space,
		scope:       tenant.NewScope(opts.Service, opts.Secret),
		emitter:     opts.Emitter,
		logger:      log,
	}
	s.finalizer = finalizer.New(finalizer.Options{
		Service:     opts.Service,
		Name:        name,
		Host:        host,
		Handlers:    opts.Handlers,
		Transmitter: opts.Transmitter,
		Chain:       chain,
		Scratch:     space,
		Emitter:     opts.Emitter,
		Claimer:     opts.Claimer,
		Logger:      log,
	})
	return s, nil
}

func (s *Stage) Service() string                  { return s.service }
func (s *Stage) Name() string                     { return s.name }
func (s *Stage) Chain() *formatter.Chain          { return s.chain }
func (s *Stage) Finalizer() *finalizer.Dispatcher { return s.finalizer }
func (s *Stage) Scratch() *scratch.Space          { return s.scratch }

// Valid reports whether env should be worked on by this stage. Envelopes that
// already carry this stage's completion marker are rejected; otherwise the
// optional predicate decides.
func (s *Stage) Valid(env *envelope.Envelope, predicate func(*envelope.Envelope) bool) bool {
	if env == nil || env.IsComplete(s.service) {
		return false
	}
	if predicate != nil {
		return predicate(env)
	}
	return true
}

// Destination resolves where env goes next. Input direction honours the head
// of data.router.route so a router stage can loop back to itself.
func (s *Stage) Destination(direction fission.Direction, env *envelope.Envelope) string {
	if direction == fission.DirectionInput {
		if route := env.Route(); len(route) > 0 && route[0] != "" {
			return route[0]
		}
	}
	return env.Job
}

// Forward applies formatters and transmits env to its destination, or to
// destination when given. Completed and frozen envelopes are not transmitted.
func (s *Stage) Forward(ctx context.Context, env *envelope.Envelope, destination ...string) error {
	s.chain.Apply(env)
	s.scratch.Clean(env.MessageID)

	if env.Job == "" {
		return fmt.Errorf("%w: message %s", ErrMissingJob, env.MessageID)
	}
	if env.IsComplete(env.Job) {
		Skipped.WithLabelValues(s.service, "complete").Inc()
		s.logger.Info("Envelope has reached completed state, not forwarding",
			"job", env.Job, "message_id", env.MessageID, "service", s.service)
		return nil
	}
	if env.Frozen {
		Skipped.WithLabelValues(s.service, "frozen").Inc()
		s.logger.Info("Envelope is frozen, not forwarding",
			"job", env.Job, "message_id", env.MessageID, "service", s.service)
		return nil
	}

	dest := s.Destination(fission.DirectionOutput, env)
	if len(destination) > 0 && destination[0] != "" {
		dest = destination[0]
	}
	body, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.MessageID, err)
	}
	if err := s.transmitter.Transmit(ctx, dest, body); err != nil {
		return fmt.Errorf("failed to forward envelope %s to %s: %w", env.MessageID, dest, err)
	}
	Forwards.WithLabelValues(s.service, dest).Inc()
	s.logger.Debug("Forwarded envelope", "destination", dest, "message_id", env.MessageID)
	return nil
}

// Completed records this stage as complete, acknowledges d and forwards env.
func (s *Stage) Completed(ctx context.Context, env *envelope.Envelope, d fission.Delivery) error {
	return s.complete(ctx, s.service, env, d)
}

// JobCompleted records id and this stage as complete, then forwards env. When
// id is the envelope's job the envelope is finalized as complete; a frozen
// envelope is always handed to the finalizer so repeated completion is reported.
func (s *Stage) JobCompleted(ctx context.Context, id string, env *envelope.Envelope, d fission.Delivery) error {
	if env.MarkComplete(id) {
		Completions.WithLabelValues(s.service).Inc()
	}
	if err := s.Completed(ctx, env, d); err != nil {
		return err
	}
	if id == env.Job || env.Frozen {
		s.Finalize(ctx, env, fission.StateComplete)
	}
	return nil
}

func (s *Stage) complete(ctx context.Context, id string, env *envelope.Envelope, d fission.Delivery) error {
	if env.MarkComplete(id) {
		Completions.WithLabelValues(s.service).Inc()
	}
	if err := ack(ctx, d); err != nil {
		return err
	}
	return s.Forward(ctx, env)
}

// Failed acknowledges d, records the failure on env and finalizes it as error.
func (s *Stage) Failed(ctx context.Context, env *envelope.Envelope, d fission.Delivery, reason string) error {
	if err := ack(ctx, d); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultFailureReason
	}
	Failures.WithLabelValues(s.service).Inc()
	env.Error = &envelope.Failure{Stage: s.service, Reason: reason}
	s.logger.Warn("Envelope failed", "message_id", env.MessageID, "service", s.service, "reason", reason)
	s.Finalize(ctx, env, fission.StateError)
	return nil
}

// Finalize hands env to the finalizer dispatcher. It never fails.
func (s *Stage) Finalize(ctx context.Context, env *envelope.Envelope, state fission.State) {
	s.finalizer.Finalize(ctx, env, state)
}

// Config returns the static service configuration merged with the tenant
// override active in ctx.
func (s *Stage) Config(ctx context.Context) config.Tree {
	return tenant.Resolve(ctx, s.static)
}

// WorkingDirectory returns the scratch directory for env, creating it if needed.
func (s *Stage) WorkingDirectory(env *envelope.Envelope) (string, error) {
	return s.scratch.Prepare(env.MessageID)
}

// Process runs h for the envelope carried by d inside the tenant scope of this
// stage. Unpack and tenant decode errors are returned without calling h.
func (s *Stage) Process(ctx context.Context, d fission.Delivery, h Handler) error {
	Deliveries.WithLabelValues(s.service).Inc()
	start := time.Now()
	defer func() {
		ProcessingLatency.WithLabelValues(s.service).Observe(time.Since(start).Seconds())
	}()

	err := s.scope.Run(ctx, d.Body(), func(ctx context.Context, env *envelope.Envelope) error {
		s.event(ctx, EventServiceStart, map[string]interface{}{
			"message_id":   env.MessageID,
			"service_name": s.service,
			"host":         s.host,
		})
		if err := h(ctx, s, env, d); err != nil {
			return err
		}
		s.event(ctx, EventServiceComplete, map[string]interface{}{
			"message_id":    env.MessageID,
			"service_name":  s.service,
			"callback_name": s.name,
			"host":          s.host,
		})
		return nil
	})
	if err != nil {
		ProcessErrors.WithLabelValues(s.service).Inc()
		s.logger.Error("Stage invocation failed", "service", s.service, "error", err)
	}
	return err
}

func (s *Stage) event(ctx context.Context, name string, attrs map[string]interface{}) {
	if s.emitter != nil {
		s.emitter.Event(ctx, name, attrs)
	}
}

func ack(ctx context.Context, d fission.Delivery) error {
	if d == nil {
		return nil
	}
	if err := d.Ack(ctx); err != nil {
		return fmt.Errorf("failed to acknowledge delivery: %w", err)
	}
	return nil
}

// CompletedIn reports whether job appears in list. Comparison ignores case and
// treats ':' and '_' as equal.
func CompletedIn(list []string, job string) bool {
	want := normalize(job)
	for _, item := range list {
		if normalize(item) == want {
			return true
		}
	}
	return false
}

func normalize(id string) string {
	return strings.ReplaceAll(strings.ToLower(id), ":", "_")
}
