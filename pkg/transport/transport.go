// Package transport moves encoded envelopes between stages over a message
// broker, HTTP or an in-process queue.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/user/fission"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/compression"
)

// ErrClosed is returned by receivers and transmitters after Close.
var ErrClosed = errors.New("transport closed")

// New builds the transport selected by cfg.Type and wraps it with compression
// when cfg.Compression is set.
func New(cfg config.TransportConfig, log fission.Logger) (fission.Transport, error) {
	var (
		t   fission.Transport
		err error
	)
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		t = NewMemory(0)
	case "nats":
		t, err = NewNats(cfg.URL, cfg.Prefix, cfg.Username, cfg.Password, cfg.Token)
	case "rabbitmq":
		t, err = NewRabbitMQ(cfg.URL, cfg.Prefix)
	case "redis":
		t = NewRedis(cfg.URL, cfg.Password, cfg.Prefix, cfg.Group)
	case "kafka":
		t = NewKafka(cfg.Brokers, cfg.Prefix, cfg.Group, cfg.Username, cfg.Password)
	case "http":
		h := NewHTTP(cfg.URL, cfg.Endpoints, cfg.Headers, log)
		if cfg.MaxBodyBytes > 0 {
			h.MaxBodyBytes = cfg.MaxBodyBytes
		}
		t = h
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Compression == "" {
		return t, nil
	}
	c, err := compression.NewCompressor(compression.Algorithm(cfg.Compression))
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return Compressed(t, c), nil
}

// Name joins prefix and stage with sep.
func Name(prefix, sep, stage string) string {
	if prefix == "" {
		return stage
	}
	return prefix + sep + stage
}

var invalidTopicChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// topicName is Name restricted to characters kafka accepts in topic names.
func topicName(prefix, stage string) string {
	return invalidTopicChars.ReplaceAllString(Name(prefix, ".", stage), "_")
}

// Handler returns the http.Handler accepting deliveries for t, looking through
// compression, or nil when t is not served over HTTP.
func Handler(t fission.Transport) http.Handler {
	for t != nil {
		if h, ok := t.(http.Handler); ok {
			return h
		}
		u, ok := t.(interface{ Unwrap() fission.Transport })
		if !ok {
			return nil
		}
		t = u.Unwrap()
	}
	return nil
}
