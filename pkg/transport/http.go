package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/user/fission"
	"github.com/user/fission/pkg/logger"
)

// StagePathPrefix is the path under which the HTTP transport accepts deliveries.
const StagePathPrefix = "/stages/"

// DefaultMaxBodyBytes caps inbound delivery bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 8 << 20

// HTTP posts envelopes to handler endpoints and accepts deliveries for local
// stages on POST /stages/<stage>. A request is answered once the stage
// acknowledges the delivery, so an unacknowledged envelope is retried by the
// sender.
type HTTP struct {
	baseURL   string
	endpoints map[string]string
	headers   map[string]string
	client    *http.Client
	logger    fission.Logger

	// AckTimeout bounds how long a request waits for the stage to acknowledge.
	AckTimeout time.Duration
	// MaxBodyBytes caps inbound delivery bodies.
	MaxBodyBytes int64

	mu     sync.Mutex
	queues map[string]chan *httpDelivery
	closed chan struct{}
	once   sync.Once
}

// NewHTTP returns an HTTP transport. Destinations listed in endpoints are
// posted to their URL; others go to baseURL + /stages/<destination>.
func NewHTTP(baseURL string, endpoints, headers map[string]string, log fission.Logger) *HTTP {
	if log == nil {
		log = logger.Nop{}
	}
	return &HTTP{
		baseURL:      strings.TrimRight(baseURL, "/"),
		endpoints:    endpoints,
		headers:      headers,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       log,
		AckTimeout:   30 * time.Second,
		MaxBodyBytes: DefaultMaxBodyBytes,
		queues:       make(map[string]chan *httpDelivery),
		closed:       make(chan struct{}),
	}
}

func (t *HTTP) url(destination string) (string, error) {
	if u, ok := t.endpoints[destination]; ok && u != "" {
		return u, nil
	}
	// Configuration keys arrive lowercased.
	if u, ok := t.endpoints[strings.ToLower(destination)]; ok && u != "" {
		return u, nil
	}
	if t.baseURL == "" {
		return "", fmt.Errorf("no endpoint configured for %s", destination)
	}
	return t.baseURL + StagePathPrefix + destination, nil
}

func (t *HTTP) Transmit(ctx context.Context, destination string, body []byte) error {
	url, err := t.url(destination)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code from %s: %d", destination, resp.StatusCode)
	}
	return nil
}

func (t *HTTP) queue(stage string) chan *httpDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[stage]
	if !ok {
		q = make(chan *httpDelivery)
		t.queues[stage] = q
	}
	return q
}

func (t *HTTP) Receiver(_ context.Context, stage string) (fission.Receiver, error) {
	return &httpReceiver{t: t, q: t.queue(stage)}, nil
}

// ServeHTTP hands POST /stages/<stage> bodies to the stage's receivers.
func (t *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stage := strings.TrimPrefix(r.URL.Path, StagePathPrefix)
	if stage == "" || stage == r.URL.Path {
		http.NotFound(w, r)
		return
	}
	limit := t.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	d := &httpDelivery{body: body, acked: make(chan struct{})}
	timer := time.NewTimer(t.AckTimeout)
	defer timer.Stop()

	select {
	case t.queue(stage) <- d:
	case <-timer.C:
		t.logger.Warn("No receiver accepted delivery", "stage", stage)
		http.Error(w, "stage unavailable", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	case <-t.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-d.acked:
		w.WriteHeader(http.StatusAccepted)
	case <-timer.C:
		t.logger.Warn("Delivery was not acknowledged in time", "stage", stage)
		http.Error(w, "not acknowledged", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (t *HTTP) Close() error {
	t.once.Do(func() { close(t.closed) })
	t.client.CloseIdleConnections()
	return nil
}

type httpReceiver struct {
	t *HTTP
	q chan *httpDelivery
}

func (r *httpReceiver) Receive(ctx context.Context) (fission.Delivery, error) {
	select {
	case <-r.t.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case <-r.t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-r.q:
		return d, nil
	}
}

func (r *httpReceiver) Close() error { return nil }

type httpDelivery struct {
	body  []byte
	acked chan struct{}
	once  sync.Once
}

func (d *httpDelivery) Body() []byte { return d.body }

func (d *httpDelivery) Ack(context.Context) error {
	d.once.Do(func() { close(d.acked) })
	return nil
}
