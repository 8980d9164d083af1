// Package idempotency provides shared claim stores so that only one process
// finalizes a given envelope.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/user/fission"
	"github.com/user/fission/internal/config"
)

// Store is a Claimer with maintenance hooks.
type Store interface {
	fission.Claimer
	// Cleanup drops claims older than ttl.
	Cleanup(ctx context.Context, ttl time.Duration) error
	Close() error
}

// New builds the store selected by cfg.Type. An empty type or "none" returns a
// nil store, which disables claiming.
func New(cfg config.IdempotencyConfig) (Store, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "fission_claims.db"
		}
		return openSQL("sqlite", dsn, cfg.Namespace)
	case "postgres":
		return openSQL("pgx", cfg.DSN, cfg.Namespace)
	case "redis":
		return NewRedisStore(cfg.Address, cfg.Password, cfg.Namespace, cfg.TTL), nil
	case "etcd":
		endpoints := cfg.Endpoints
		if len(endpoints) == 0 && cfg.Address != "" {
			endpoints = []string{cfg.Address}
		}
		s, err := NewEtcdStore(endpoints, cfg.Namespace, cfg.TTL, 5*time.Second)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store type: %s", cfg.Type)
	}
}

func openSQL(driver, dsn, namespace string) (Store, error) {
	s, err := NewSQLStore(driver, dsn, tableName(namespace))
	if err != nil {
		return nil, err
	}
	return s, nil
}
