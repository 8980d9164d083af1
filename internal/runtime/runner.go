package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/user/fission"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/formatter"
	"github.com/user/fission/pkg/idempotency"
	"github.com/user/fission/pkg/logger"
	"github.com/user/fission/pkg/scratch"
	"github.com/user/fission/pkg/stage"
	"github.com/user/fission/pkg/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultScratchAge is how long a working directory may outlive its job
	// before the maintenance sweep removes it.
	DefaultScratchAge = 24 * time.Hour
	defaultBackoff    = time.Second
)

// Options configures a Runner.
type Options struct {
	Config     *config.Config
	Registry   *Registry
	Transport  fission.Transport
	Formatters *formatter.Registry
	// Store is the optional claim store shared by every finalizer.
	Store   idempotency.Store
	Emitter fission.Emitter
	Logger  fission.Logger
	// Fs backs the scratch spaces; nil uses the OS filesystem.
	Fs afero.Fs
	// Secret opens tenant configuration carried by envelopes.
	Secret     string
	ScratchAge time.Duration
	Backoff    time.Duration
}

type binding struct {
	stage   *stage.Stage
	handler stage.Handler
}

// Runner owns one Stage per registered handler and the workers feeding them.
type Runner struct {
	cfg        *config.Config
	transport  fission.Transport
	store      idempotency.Store
	logger     fission.Logger
	names      []string
	bindings   map[string]binding
	scratchAge time.Duration
	backoff    time.Duration
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime: registry is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("runtime: transport is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	formatters := opts.Formatters
	if formatters == nil {
		formatters = formatter.NewRegistry()
	}
	var claimer fission.Claimer
	if opts.Store != nil {
		claimer = opts.Store
	}

	r := &Runner{
		cfg:        cfg,
		transport:  opts.Transport,
		store:      opts.Store,
		logger:     log,
		names:      opts.Registry.Names(),
		bindings:   make(map[string]binding),
		scratchAge: opts.ScratchAge,
		backoff:    opts.Backoff,
	}
	if r.scratchAge <= 0 {
		r.scratchAge = DefaultScratchAge
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}

	for _, name := range r.names {
		h, _ := opts.Registry.Handler(name)
		service := cfg.Service(name)
		st, err := stage.New(stage.Options{
			Service:     name,
			Host:        cfg.Fission.Host,
			Config:      service,
			Transmitter: opts.Transport,
			Formatters:  formatter.SelectForService(formatters, service, cfg.Fission.Formatters),
			Handlers:    cfg.Handlers(),
			Scratch:     scratch.New(opts.Fs, cfg.Fission.WorkingDirectory, name, log),
			Secret:      opts.Secret,
			Emitter:     opts.Emitter,
			Claimer:     claimer,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		r.bindings[name] = binding{stage: st, handler: h}
	}

	for name := range cfg.Fission.Workers {
		if !opts.Registry.registered(name) {
			log.Warn("Workers configured for unregistered stage", "stage", name)
		}
	}
	return r, nil
}

// Stage returns the stage built for name.
func (r *Runner) Stage(name string) (*stage.Stage, bool) {
	b, ok := r.bindings[name]
	return b.stage, ok
}

// Run starts the configured number of workers for every stage along with the
// maintenance schedule, and blocks until ctx is cancelled or a worker fails to
// open its receiver.
func (r *Runner) Run(ctx context.Context) error {
	sched, err := r.schedule()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.names {
		b := r.bindings[name]
		workers := r.cfg.Workers(name)
		r.logger.Info("Starting stage workers", "stage", name, "workers", workers)
		for i := 0; i < workers; i++ {
			name, id := name, i
			g.Go(func() error {
				return r.work(ctx, name, id, b)
			})
		}
	}

	sched.Start()
	g.Go(func() error {
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	return g.Wait()
}

func (r *Runner) work(ctx context.Context, name string, id int, b binding) error {
	rcv, err := r.transport.Receiver(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to open receiver for stage %s: %w", name, err)
	}
	defer func() {
		if err := rcv.Close(); err != nil {
			r.logger.Warn("Failed to close receiver", "stage", name, "worker", id, "error", err)
		}
	}()

	var limiter *rate.Limiter
	if mps := r.cfg.Fission.RatePerSecond; mps > 0 {
		burst := int(mps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(mps), burst)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		d, err := rcv.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			r.logger.Error("Failed to receive delivery", "stage", name, "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.backoff):
			}
			continue
		}
		// Process logs its own errors; the delivery stays unacknowledged so the
		// transport can redeliver it.
		_ = b.stage.Process(ctx, d, b.handler)
	}
}

func (r *Runner) schedule() (*cron.Cron, error) {
	c := cron.New()
	spec := r.cfg.Fission.SweepSchedule
	if spec == "" {
		spec = "@every 1h"
	}
	if _, err := c.AddFunc(spec, func() { r.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return c, nil
}

// Sweep removes stale scratch directories and expired claims.
func (r *Runner) Sweep(ctx context.Context) {
	for _, name := range r.names {
		r.bindings[name].stage.Scratch().Sweep(r.scratchAge)
	}
	if r.store == nil {
		return
	}
	if err := r.store.Cleanup(ctx, r.cfg.Idempotency.TTL); err != nil {
		r.logger.Error("Failed to clean up finalization claims", "error", err)
	}
}
