package observability

import (
	"context"
	"fmt"
	"sort"

	"github.com/user/fission"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/user/fission"

// LogEmitter writes lifecycle events to a logger at info level.
type LogEmitter struct {
	Logger fission.Logger
}

func (e LogEmitter) Event(_ context.Context, name string, attrs map[string]interface{}) {
	if e.Logger == nil {
		return
	}
	kv := make([]interface{}, 0, 2+len(attrs)*2)
	kv = append(kv, "event", name)
	for _, k := range sortedKeys(attrs) {
		kv = append(kv, k, attrs[k])
	}
	e.Logger.Info("Lifecycle event", kv...)
}

// OTelEmitter records events on the active span and counts them per name.
type OTelEmitter struct {
	tracer  trace.Tracer
	counter metric.Int64Counter
}

// NewOTelEmitter uses the global providers installed by InitOTLP.
func NewOTelEmitter() (*OTelEmitter, error) {
	counter, err := otel.Meter(instrumentation).Int64Counter("fission.events",
		metric.WithDescription("Lifecycle events emitted by stages"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event counter: %w", err)
	}
	return &OTelEmitter{tracer: otel.Tracer(instrumentation), counter: counter}, nil
}

func (e *OTelEmitter) Event(ctx context.Context, name string, attrs map[string]interface{}) {
	kv := Attributes(attrs)
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(kv...))
	} else {
		_, span = e.tracer.Start(ctx, name, trace.WithAttributes(kv...))
		span.End()
	}
	e.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

// Multi fans an event out to every emitter.
type Multi []fission.Emitter

func (m Multi) Event(ctx context.Context, name string, attrs map[string]interface{}) {
	for _, e := range m {
		if e != nil {
			e.Event(ctx, name, attrs)
		}
	}
}

// Attributes converts event attributes to otel key/values in key order.
func Attributes(attrs map[string]interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		switch v := attrs[k].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		case []string:
			out = append(out, attribute.StringSlice(k, v))
		case fmt.Stringer:
			out = append(out, attribute.String(k, v.String()))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", v)))
		}
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
