// Package formatter applies registered envelope mutators on every forward. Each
// formatter runs until it observably changes an envelope once; after that its
// name is recorded on the envelope and it is skipped for the rest of the
// envelope's life.
package formatter

import (
	"errors"

	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/envelope"
)

// Wildcard matches any source stage.
const Wildcard = "*"

// ErrFormatter wraps failures raised by a formatter's Format.
var ErrFormatter = errors.New("formatter failed")

// Formatter mutates an envelope in place on its way to Destination.
type Formatter interface {
	// Name is the stable identity used for enable/disable lists and the
	// envelope's applied-formatter ledger.
	Name() string
	// Source is the service the formatter runs in, or Wildcard.
	Source() string
	Destination() string
	Format(env *envelope.Envelope) error
}

// Registry is the process-wide formatter set. It is built once at startup and
// only read afterwards.
type Registry struct {
	formatters []Formatter
}

// NewRegistry returns a registry holding fs in order. Later duplicates of a
// name are dropped.
func NewRegistry(fs ...Formatter) *Registry {
	seen := make(map[string]struct{}, len(fs))
	out := make([]Formatter, 0, len(fs))
	for _, f := range fs {
		if f == nil {
			continue
		}
		if _, dup := seen[f.Name()]; dup {
			continue
		}
		seen[f.Name()] = struct{}{}
		out = append(out, f)
	}
	return &Registry{formatters: out}
}

// All returns the registered formatters in registration order.
func (r *Registry) All() []Formatter {
	if r == nil {
		return nil
	}
	return append([]Formatter(nil), r.formatters...)
}

// Select filters fs. Names in disabled are removed first; a non-nil enabled
// list then keeps only the names it contains.
func Select(fs []Formatter, enabled, disabled []string) []Formatter {
	off := toSet(disabled)
	var on map[string]struct{}
	if enabled != nil {
		on = toSet(enabled)
	}
	out := make([]Formatter, 0, len(fs))
	for _, f := range fs {
		if _, ok := off[f.Name()]; ok {
			continue
		}
		if on != nil {
			if _, ok := on[f.Name()]; !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// SelectForService applies the service's formatter lists on top of the global
// ones: the service enabled list wins over the global one, disabled lists are
// combined.
func SelectForService(r *Registry, service config.Tree, global config.FormattersConfig) []Formatter {
	enabled := service.Strings("formatters", "enabled")
	if enabled == nil {
		enabled = global.Enabled
	}
	disabled := append(append([]string(nil), service.Strings("formatters", "disabled")...), global.Disabled...)
	return Select(r.All(), enabled, disabled)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}
