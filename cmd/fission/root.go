package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/secrets"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "fission",
	Short:         "fission runs staged envelope pipelines",
	Long:          `Stage workers that receive envelopes from a transport, run handlers and forward or finalize jobs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON, FISSION_* env overrides apply)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// groupingSecret resolves the tenant grouping secret, which may reference the
// configured secret manager.
func groupingSecret(ctx context.Context, cfg *config.Config) (string, error) {
	mgr, err := secrets.New(ctx, cfg.Secrets)
	if err != nil {
		return "", err
	}
	secret, err := secrets.Resolve(ctx, mgr, cfg.Fission.Grouping)
	if err != nil {
		return "", err
	}
	if secret == "" {
		secret = config.DefaultSecret
	}
	return secret, nil
}
