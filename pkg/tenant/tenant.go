// Package tenant scopes per-request service configuration carried, encrypted,
// inside an envelope's data.account.config. The override lives only in the
// context handed to one invocation; nothing is stored on the stage.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/crypto"
	"github.com/user/fission/pkg/envelope"
)

// ErrConfigDecode is returned when the sealed account configuration cannot be opened.
var ErrConfigDecode = errors.New("tenant config decode failed")

type overrideKey struct{}

// WithOverride returns a context carrying cfg as the active override. A nil cfg
// clears any override inherited from the parent context.
func WithOverride(ctx context.Context, cfg config.Tree) context.Context {
	return context.WithValue(ctx, overrideKey{}, cfg)
}

// Override returns the override active in ctx, or nil.
func Override(ctx context.Context) config.Tree {
	if ctx == nil {
		return nil
	}
	cfg, _ := ctx.Value(overrideKey{}).(config.Tree)
	return cfg
}

// Resolve merges the active override on top of static.
func Resolve(ctx context.Context, static config.Tree) config.Tree {
	override := Override(ctx)
	if len(override) == 0 {
		return static
	}
	return static.Merge(override)
}

// Scope opens account configuration for a single service.
type Scope struct {
	Service string
	Secret  string
}

// NewScope returns a Scope; an empty secret falls back to config.DefaultSecret.
func NewScope(service, secret string) *Scope {
	if secret == "" {
		secret = config.DefaultSecret
	}
	return &Scope{Service: service, Secret: secret}
}

// Run unpacks body and calls fn with a context holding this service's override,
// if the envelope carries one. Unpack and decode failures are returned without
// calling fn.
func (s *Scope) Run(ctx context.Context, body []byte, fn func(context.Context, *envelope.Envelope) error) error {
	env, err := envelope.Unpack(body)
	if err != nil {
		return err
	}
	override, err := s.Extract(env)
	if err != nil {
		return err
	}
	return fn(WithOverride(ctx, override), env)
}

// Extract decrypts data.account.config and returns the entry for this service.
func (s *Scope) Extract(env *envelope.Envelope) (config.Tree, error) {
	raw := env.Get("account", "config")
	if raw == nil {
		return nil, nil
	}
	sealed, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: account.config is %T, expected string", ErrConfigDecode, raw)
	}
	if sealed == "" {
		return nil, nil
	}
	plain, err := crypto.Decrypt(sealed, env.MessageID, s.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigDecode, err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(plain), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigDecode, err)
	}
	if sub, ok := decoded[s.Service].(map[string]interface{}); ok {
		return config.Tree(sub), nil
	}
	return nil, nil
}

// Seal encrypts per-service overrides into env's data.account.config. Producers
// call this before the first transmission; the envelope's message id must not
// change afterwards.
func Seal(env *envelope.Envelope, secret string, overrides map[string]interface{}) error {
	if secret == "" {
		secret = config.DefaultSecret
	}
	plain, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode account config: %w", err)
	}
	sealed, err := crypto.Encrypt(string(plain), env.MessageID, secret)
	if err != nil {
		return fmt.Errorf("encrypt account config: %w", err)
	}
	env.Set(sealed, "account", "config")
	return nil
}
