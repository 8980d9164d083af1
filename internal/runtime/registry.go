// Package runtime wires registered stage handlers to a transport and runs
// their workers.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/user/fission"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/stage"
)

// Registry maps stage names to handlers. It is filled once at startup and only
// read afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]stage.Handler
	// folded maps lowercased names to registered names; configuration keys are
	// case-insensitive so names differing only in case would share settings.
	folded map[string]string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]stage.Handler), folded: make(map[string]string)}
}

// Register adds h under name. The name is kept as given, since it must equal
// the job and destination names carried by envelopes.
func (r *Registry) Register(name string, h stage.Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("stage name is required")
	}
	if h == nil {
		return fmt.Errorf("stage %s: handler is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.folded[strings.ToLower(name)]; ok {
		return fmt.Errorf("stage %s is already registered as %s", name, existing)
	}
	r.handlers[name] = h
	r.folded[strings.ToLower(name)] = name
	return nil
}

func (r *Registry) Handler(name string) (stage.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registered reports whether a stage matching name regardless of case exists.
func (r *Registry) registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.folded[strings.ToLower(name)]
	return ok
}

// Passthrough completes every valid envelope it receives without further work.
// Envelopes this stage already completed are acknowledged and dropped.
func Passthrough(ctx context.Context, s *stage.Stage, env *envelope.Envelope, d fission.Delivery) error {
	if !s.Valid(env, nil) {
		if d != nil {
			return d.Ack(ctx)
		}
		return nil
	}
	return s.JobCompleted(ctx, s.Service(), env, d)
}
