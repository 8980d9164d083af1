package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/compression"
)

func TestMemory_TransmitReceiveAck(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()

	if err := m.Transmit(ctx, "build", []byte(`{"job":"build"}`)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if m.Pending("build") != 1 {
		t.Fatalf("expected 1 pending delivery, got %d", m.Pending("build"))
	}
	r, _ := m.Receiver(ctx, "build")
	d, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(d.Body()) != `{"job":"build"}` {
		t.Errorf("unexpected body %s", d.Body())
	}
	_ = d.Ack(ctx)
	if d.(*MemoryDelivery).Acks() != 1 {
		t.Error("expected ack to be recorded")
	}
}

func TestMemory_ReceiveHonoursContextAndClose(t *testing.T) {
	m := NewMemory(1)
	r, _ := m.Receiver(context.Background(), "idle")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	_ = m.Close()
	if _, err := r.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Transmit(context.Background(), "idle", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on transmit, got %v", err)
	}
}

func TestHTTP_TransmitToEndpoint(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("expected configured header")
		}
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTP("", map[string]string{"notify": server.URL + "/hook"}, map[string]string{"X-Token": "secret"}, nil)
	if err := tr.Transmit(context.Background(), "notify", []byte(`{"job":"notify"}`)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if got != `{"job":"notify"}` {
		t.Errorf("unexpected body %q", got)
	}
	if err := tr.Transmit(context.Background(), "unknown", nil); err == nil {
		t.Fatal("expected error for destination without endpoint or base url")
	}
}

func TestHTTP_TransmitErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := NewHTTP(server.URL, nil, nil, nil)
	if err := tr.Transmit(context.Background(), "build", []byte("{}")); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHTTP_ServeDeliversUntilAck(t *testing.T) {
	tr := NewHTTP("", nil, nil, nil)
	server := httptest.NewServer(tr)
	defer server.Close()
	defer tr.Close()

	r, _ := tr.Receiver(context.Background(), "build")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d, err := r.Receive(context.Background())
		if err != nil {
			t.Errorf("Receive failed: %v", err)
			return
		}
		if string(d.Body()) != `{"job":"build"}` {
			t.Errorf("unexpected body %s", d.Body())
		}
		_ = d.Ack(context.Background())
	}()

	// Loop back through the transport's own client.
	sender := NewHTTP(server.URL, nil, nil, nil)
	if err := sender.Transmit(context.Background(), "build", []byte(`{"job":"build"}`)); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	wg.Wait()
}

func TestHTTP_ServeWithoutReceiverTimesOut(t *testing.T) {
	tr := NewHTTP("", nil, nil, nil)
	tr.AckTimeout = 20 * time.Millisecond
	server := httptest.NewServer(tr)
	defer server.Close()

	resp, err := http.Post(server.URL+"/stages/nobody", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/stages/nobody")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestCompressed_RoundTrip(t *testing.T) {
	mem := NewMemory(2)
	c, _ := compression.NewCompressor(compression.Snappy)
	tr := Compressed(mem, c)
	ctx := context.Background()
	body := []byte(strings.Repeat(`{"job":"build"}`, 20))

	if err := tr.Transmit(ctx, "build", body); err != nil {
		t.Fatal(err)
	}
	r, err := tr.Receiver(ctx, "build")
	if err != nil {
		t.Fatal(err)
	}
	d, err := r.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(d.Body()) != string(body) {
		t.Fatal("expected decompressed body")
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNew(t *testing.T) {
	tr, err := New(config.TransportConfig{Type: "memory", Compression: "zstd"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := tr.(*compressed); !ok {
		t.Errorf("expected compressed transport, got %T", tr)
	}
	if _, err := New(config.TransportConfig{Type: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := New(config.TransportConfig{Type: "memory", Compression: "brotli"}, nil); err == nil {
		t.Fatal("expected error for unknown compression")
	}
	if _, err := New(config.TransportConfig{Type: "rabbitmq", URL: "http://nope"}, nil); err == nil {
		t.Fatal("expected url validation error")
	}
}

func TestNames(t *testing.T) {
	if got := Name("fission", ".", "build"); got != "fission.build" {
		t.Errorf("unexpected name %q", got)
	}
	if got := Name("", ".", "build"); got != "build" {
		t.Errorf("unexpected name %q", got)
	}
	if got := topicName("fission", "notify:github"); got != "fission.notify_github" {
		t.Errorf("unexpected topic %q", got)
	}
	if got := queueGroup("notify:github.v2"); got != "notify_github_v2" {
		t.Errorf("unexpected queue group %q", got)
	}
}

func TestHandler(t *testing.T) {
	if Handler(NewMemory(1)) != nil {
		t.Error("memory transport has no handler")
	}
	tr, err := New(config.TransportConfig{Type: "http", URL: "http://localhost", Compression: "lz4"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Handler(tr).(*HTTP); !ok {
		t.Error("expected HTTP handler behind compression")
	}
}

func TestMemory_CloseWinsOverReadyQueue(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := NewMemory(4)
		r, _ := m.Receiver(context.Background(), "ready")
		if err := m.Transmit(context.Background(), "ready", []byte("x")); err != nil {
			t.Fatal(err)
		}
		_ = m.Close()
		if err := m.Transmit(context.Background(), "ready", []byte("y")); !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: expected ErrClosed on transmit, got %v", i, err)
		}
		if _, err := r.Receive(context.Background()); !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: expected ErrClosed on receive, got %v", i, err)
		}
	}
}

func TestHTTP_ServeRejectsOversizedBody(t *testing.T) {
	tr, err := New(config.TransportConfig{Type: "http", MaxBodyBytes: 16}, nil)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(Handler(tr))
	defer server.Close()

	resp, err := http.Post(server.URL+"/stages/build", "application/json", strings.NewReader(strings.Repeat("x", 64)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestHTTP_EndpointLookupIgnoresCase(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTP("", map[string]string{"notify": server.URL}, nil, nil)
	if err := tr.Transmit(context.Background(), "Notify", []byte("{}")); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected endpoint to be hit once, got %d", hits)
	}
}
