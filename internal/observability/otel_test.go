package observability

import (
	"context"
	"testing"

	"github.com/user/fission/internal/config"
)

func TestInitOTLP_NoEndpoint(t *testing.T) {
	shutdown, err := InitOTLP(context.Background(), config.OTLPConfig{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown failed: %v", err)
	}
}

func TestInitOTLP_Protocols(t *testing.T) {
	for _, tc := range []struct {
		protocol string
		endpoint string
	}{
		{"grpc", "localhost:4317"},
		{"http", "localhost:4318"},
		{"", "localhost:4318"},
	} {
		cfg := config.OTLPConfig{
			Endpoint:    tc.endpoint,
			Protocol:    tc.protocol,
			ServiceName: "fission-test",
			Insecure:    true,
		}
		shutdown, err := InitOTLP(context.Background(), cfg)
		if err != nil {
			t.Fatalf("protocol %q: failed to init OTLP: %v", tc.protocol, err)
		}
		if shutdown == nil {
			t.Fatalf("protocol %q: shutdown function is nil", tc.protocol)
		}
		_ = shutdown(context.Background())
	}
}

func TestInitOTLP_UnknownProtocol(t *testing.T) {
	_, err := InitOTLP(context.Background(), config.OTLPConfig{Endpoint: "localhost:1", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected unsupported protocol error")
	}
}
