// Package secrets resolves "secret:<key>" configuration values, such as the
// tenant grouping secret, through an external secret manager.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/user/fission/internal/config"
)

// Prefix marks a configuration value as a reference to a managed secret.
const Prefix = "secret:"

// Manager defines the interface for external secret managers.
type Manager interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvManager resolves secrets from environment variables.
type EnvManager struct {
	Prefix string
}

func (m *EnvManager) Get(_ context.Context, key string) (string, error) {
	val := os.Getenv(m.Prefix + key)
	if val == "" {
		// Fallback without prefix
		val = os.Getenv(key)
	}
	return val, nil
}

// Chain tries multiple secret managers in order.
type Chain []Manager

func (c Chain) Get(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, mgr := range c {
		val, err := mgr.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		if val != "" {
			return val, nil
		}
	}
	return "", lastErr
}

// Resolve returns value unchanged unless it starts with Prefix, in which case
// the referenced secret is looked up. A reference that resolves to nothing is
// an error so the literal reference is never used as a key.
func Resolve(ctx context.Context, mgr Manager, value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	key := strings.TrimPrefix(value, Prefix)
	if mgr == nil {
		return "", fmt.Errorf("secret %q referenced but no secret manager configured", key)
	}
	val, err := mgr.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve secret %q: %w", key, err)
	}
	if val == "" {
		return "", fmt.Errorf("secret %q is empty or missing", key)
	}
	return val, nil
}

// New creates the secret manager selected by cfg.Type. Environment lookups are
// always tried after the configured backend.
func New(ctx context.Context, cfg config.SecretsConfig) (Manager, error) {
	env := &EnvManager{Prefix: cfg.EnvPrefix}
	var (
		mgr Manager
		err error
	)
	switch cfg.Type {
	case "", "env":
		return env, nil
	case "vault", "openbao":
		mgr, err = NewVaultManager(cfg.Address, cfg.Token, cfg.Mount)
	case "aws":
		mgr, err = NewAWSSecretsManager(ctx, cfg.Region)
	case "azure":
		mgr, err = NewAzureKeyVaultManager(cfg.VaultURL)
	default:
		return nil, fmt.Errorf("unsupported secret manager type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return Chain{mgr, env}, nil
}
