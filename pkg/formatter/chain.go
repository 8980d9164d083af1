package formatter

import (
	"fmt"

	"github.com/user/fission"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/logger"
)

// Chain is the ordered formatter list of one service.
type Chain struct {
	service    string
	formatters []Formatter
	logger     fission.Logger
}

// NewChain builds the chain for service. A nil logger discards output.
func NewChain(service string, fs []Formatter, log fission.Logger) *Chain {
	if log == nil {
		log = logger.Nop{}
	}
	for _, f := range fs {
		log.Debug("Enabling payload formatter", "service", service, "formatter", f.Name())
	}
	return &Chain{service: service, formatters: fs, logger: log}
}

// Formatters returns the chain members in order.
func (c *Chain) Formatters() []Formatter {
	return append([]Formatter(nil), c.formatters...)
}

// Apply runs every matching formatter not yet recorded on env and returns the
// names that changed it. A formatter that fails leaves env as it found it.
func (c *Chain) Apply(env *envelope.Envelope) []string {
	if c == nil || env == nil {
		return nil
	}
	var applied []string
	route := env.Route()
	for _, f := range c.formatters {
		name := f.Name()
		if env.HasFormatter(name) {
			continue
		}
		if !c.matches(f, env, route) {
			continue
		}

		before := envelope.Checksum(env)
		snapshot := env.Clone()
		if err := invoke(f, env); err != nil {
			if envelope.Checksum(env) != before {
				*env = *snapshot
			}
			FormatterFailures.WithLabelValues(c.service, name).Inc()
			c.logger.Error("Formatter failed",
				"formatter", name,
				"source", f.Source(),
				"destination", f.Destination(),
				"message_id", env.MessageID,
				"error", err,
			)
			continue
		}
		if envelope.Checksum(env) != before {
			env.RecordFormatter(name)
			applied = append(applied, name)
			FormattersApplied.WithLabelValues(c.service, name).Inc()
			c.logger.Info("Formatter modified payload and will not be applied again",
				"formatter", name,
				"message_id", env.MessageID,
			)
		}
	}
	return applied
}

func (c *Chain) matches(f Formatter, env *envelope.Envelope, route []string) bool {
	if (f.Source() == c.service || f.Source() == Wildcard) && env.Job == f.Destination() {
		c.logger.Debug("Direct destination matched formatter", "formatter", f.Name(), "message_id", env.MessageID)
		return true
	}
	for _, r := range route {
		if r == f.Destination() {
			c.logger.Debug("Route destination matched formatter", "formatter", f.Name(), "message_id", env.MessageID)
			return true
		}
	}
	return false
}

func invoke(f Formatter, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrFormatter, f.Name(), r)
		}
	}()
	if ferr := f.Format(env); ferr != nil {
		return fmt.Errorf("%w: %s: %v", ErrFormatter, f.Name(), ferr)
	}
	return nil
}
