package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

type recordingLogger struct {
	msgs []string
	kvs  [][]interface{}
}

func (l *recordingLogger) Debug(msg string, kv ...interface{}) {}
func (l *recordingLogger) Info(msg string, kv ...interface{}) {
	l.msgs = append(l.msgs, msg)
	l.kvs = append(l.kvs, kv)
}
func (l *recordingLogger) Warn(msg string, kv ...interface{})  {}
func (l *recordingLogger) Error(msg string, kv ...interface{}) {}

type countingEmitter struct{ names []string }

func (c *countingEmitter) Event(_ context.Context, name string, _ map[string]interface{}) {
	c.names = append(c.names, name)
}

func TestLogEmitter(t *testing.T) {
	log := &recordingLogger{}
	LogEmitter{Logger: log}.Event(context.Background(), "job_finalize", map[string]interface{}{
		"state":      "complete",
		"message_id": "m1",
	})
	if len(log.msgs) != 1 {
		t.Fatalf("expected one log line, got %d", len(log.msgs))
	}
	kv := log.kvs[0]
	want := []interface{}{"event", "job_finalize", "message_id", "m1", "state", "complete"}
	if len(kv) != len(want) {
		t.Fatalf("expected %v, got %v", want, kv)
	}
	for i := range want {
		if kv[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kv)
		}
	}
}

func TestMulti(t *testing.T) {
	a, b := &countingEmitter{}, &countingEmitter{}
	Multi{a, nil, b}.Event(context.Background(), "service_start", nil)
	if len(a.names) != 1 || len(b.names) != 1 {
		t.Fatalf("expected each emitter to receive the event, got %v %v", a.names, b.names)
	}
}

func TestOTelEmitter_NoopProviders(t *testing.T) {
	e, err := NewOTelEmitter()
	if err != nil {
		t.Fatalf("NewOTelEmitter failed: %v", err)
	}
	e.Event(context.Background(), "service_complete", map[string]interface{}{"service_name": "build"})
}

func TestAttributes(t *testing.T) {
	got := Attributes(map[string]interface{}{"b": true, "a": "x", "n": 3, "o": struct{}{}})
	want := []attribute.KeyValue{
		attribute.String("a", "x"),
		attribute.Bool("b", true),
		attribute.Int("n", 3),
		attribute.String("o", "{}"),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d attributes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attribute %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
