package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/user/fission"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/internal/observability"
	"github.com/user/fission/internal/runtime"
	"github.com/user/fission/pkg/formatter"
	"github.com/user/fission/pkg/formatter/notify"
	"github.com/user/fission/pkg/idempotency"
	"github.com/user/fission/pkg/logger"
	"github.com/user/fission/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// Destinations the builtin notification formatters prepare envelopes for.
const (
	githubDestination       = "github"
	notificationDestination = "notification"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run workers for every configured stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// builtinFormatters returns the notification formatters with branding applied.
func builtinFormatters(cfg *config.Config) []formatter.Formatter {
	return []formatter.Formatter{
		&notify.GithubStatus{From: formatter.Wildcard, To: githubDestination, Branding: cfg.Fission.Branding},
		&notify.OriginFormatter{From: formatter.Wildcard, To: notificationDestination, Branding: cfg.Fission.Branding},
	}
}

// registerStages binds the builtin handlers named in configuration.
func registerStages(cfg *config.Config) (*runtime.Registry, error) {
	reg := runtime.NewRegistry()
	for _, name := range cfg.Fission.Passthrough {
		if err := reg.Register(name, runtime.Passthrough); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	shutdown, err := observability.InitOTLP(ctx, cfg.OTLP)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	otelEmitter, err := observability.NewOTelEmitter()
	if err != nil {
		return err
	}
	emitter := observability.Multi{observability.LogEmitter{Logger: log}, otelEmitter}

	secret, err := groupingSecret(ctx, cfg)
	if err != nil {
		return err
	}

	t, err := transport.New(cfg.Transport, log)
	if err != nil {
		return err
	}
	defer t.Close()

	store, err := idempotency.New(cfg.Idempotency)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	reg, err := registerStages(cfg)
	if err != nil {
		return err
	}
	if len(reg.Names()) == 0 {
		log.Warn("No stages registered; workers will idle")
	}

	runner, err := runtime.NewRunner(runtime.Options{
		Config:     cfg,
		Registry:   reg,
		Transport:  t,
		Formatters: formatter.NewRegistry(builtinFormatters(cfg)...),
		Store:      store,
		Emitter:    emitter,
		Logger:     log,
		Secret:     secret,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error { return serve(ctx, cfg.Metrics.Addr, mux, log) })
	}
	if h := transport.Handler(t); h != nil && cfg.Transport.Listen != "" {
		g.Go(func() error { return serve(ctx, cfg.Transport.Listen, h, log) })
	}
	g.Go(func() error { return runner.Run(ctx) })

	log.Info("Fission started", "transport", cfg.Transport.Type, "stages", reg.Names())
	err = g.Wait()
	log.Info("Fission stopped")
	return err
}

func serve(ctx context.Context, addr string, h http.Handler, log fission.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
