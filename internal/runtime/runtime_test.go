package runtime

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/user/fission"
	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/envelope"
	"github.com/user/fission/pkg/stage"
	"github.com/user/fission/pkg/transport"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Info(string, ...interface{})  {}
func (l *recordingLogger) Error(string, ...interface{}) {}
func (l *recordingLogger) Warn(msg string, kv ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

type mockStore struct {
	mu       sync.Mutex
	claimed  map[string]bool
	cleanups []time.Duration
}

func (s *mockStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = make(map[string]bool)
	}
	if s.claimed[key] {
		return false, nil
	}
	s.claimed[key] = true
	return true, nil
}

func (s *mockStore) Cleanup(_ context.Context, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, ttl)
	return nil
}

func (s *mockStore) Close() error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, mem *transport.Memory, dest string, env *envelope.Envelope) {
	t.Helper()
	body, err := envelope.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := mem.Transmit(context.Background(), dest, body); err != nil {
		t.Fatalf("transmit: %v", err)
	}
}

func receive(t *testing.T, mem *transport.Memory, stageName string) *envelope.Envelope {
	t.Helper()
	rcv, _ := mem.Receiver(context.Background(), stageName)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("receive %s: %v", stageName, err)
	}
	env, err := envelope.Unpack(d.Body())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	return env
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("Resize", Passthrough); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("archive", Passthrough); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("resize", Passthrough); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(" ", Passthrough); err == nil {
		t.Error("expected empty name to fail")
	}
	if err := r.Register("thumbs", nil); err == nil {
		t.Error("expected nil handler to fail")
	}
	if _, ok := r.Handler("Resize"); !ok {
		t.Error("expected lookup by registered name")
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"Resize", "archive"}) {
		t.Errorf("names = %v", got)
	}
}

func TestNewRunner_Validation(t *testing.T) {
	if _, err := NewRunner(Options{Transport: transport.NewMemory(1)}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewRunner(Options{Registry: NewRegistry()}); err == nil {
		t.Error("expected error without transport")
	}
}

func TestNewRunner_WarnsUnregisteredWorkers(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("resize", Passthrough)
	log := &recordingLogger{}
	cfg := &config.Config{Fission: config.FissionConfig{Workers: map[string]int{"resize": 2, "ghost": 3}}}

	r, err := NewRunner(Options{Config: cfg, Registry: reg, Transport: transport.NewMemory(1), Fs: afero.NewMemMapFs(), Logger: log})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, ok := r.Stage("resize"); !ok {
		t.Error("expected stage for registered handler")
	}
	if len(log.warns) != 1 || !strings.Contains(log.warns[0], "unregistered") {
		t.Errorf("warnings = %v", log.warns)
	}
}

func runInBackground(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_PassthroughFinalizesJob(t *testing.T) {
	mem := transport.NewMemory(16)
	reg := NewRegistry()
	_ = reg.Register("ingest", Passthrough)
	cfg := &config.Config{Fission: config.FissionConfig{
		Handlers: map[string][]string{"complete": {"notify"}},
	}}
	r, err := NewRunner(Options{Config: cfg, Registry: reg, Transport: mem, Fs: afero.NewMemMapFs(), Store: &mockStore{}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	cancel, done := runInBackground(t, r)
	send(t, mem, "ingest", envelope.New("ingest", map[string]interface{}{"n": 1}))
	waitFor(t, "finalized envelope", func() bool { return mem.Pending("notify") == 1 })
	stop(t, cancel, done)

	env := receive(t, mem, "notify")
	if !env.Frozen || env.Status != string(fission.StateComplete) {
		t.Errorf("frozen=%v status=%q", env.Frozen, env.Status)
	}
	if env.Job != "notify" {
		t.Errorf("job = %q, want notify", env.Job)
	}
}

func TestRunner_IntermediateStageForwards(t *testing.T) {
	mem := transport.NewMemory(16)
	reg := NewRegistry()
	_ = reg.Register("resize", Passthrough)
	r, err := NewRunner(Options{Registry: reg, Transport: mem, Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	cancel, done := runInBackground(t, r)
	send(t, mem, "resize", envelope.New("archive", nil))
	waitFor(t, "forwarded envelope", func() bool { return mem.Pending("archive") == 1 })
	stop(t, cancel, done)

	env := receive(t, mem, "archive")
	if !env.IsComplete("resize") || env.Frozen {
		t.Errorf("complete=%v frozen=%v", env.Complete, env.Frozen)
	}
}

func TestRunner_HandlerErrorLeavesDeliveryUnacked(t *testing.T) {
	mem := transport.NewMemory(16)
	reg := NewRegistry()
	calls := make(chan struct{}, 4)
	_ = reg.Register("flaky", func(ctx context.Context, s *stage.Stage, env *envelope.Envelope, d fission.Delivery) error {
		calls <- struct{}{}
		return errors.New("boom")
	})
	r, err := NewRunner(Options{Registry: reg, Transport: mem, Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	cancel, done := runInBackground(t, r)
	send(t, mem, "flaky", envelope.New("flaky", nil))
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	stop(t, cancel, done)
}

func TestRunner_InvalidSchedule(t *testing.T) {
	cfg := &config.Config{Fission: config.FissionConfig{SweepSchedule: "every now and then"}}
	r, err := NewRunner(Options{Config: cfg, Registry: NewRegistry(), Transport: transport.NewMemory(1)})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "sweep schedule") {
		t.Errorf("expected schedule error, got %v", err)
	}
}

func TestRunner_ClosedTransportStopsWorkers(t *testing.T) {
	mem := transport.NewMemory(1)
	reg := NewRegistry()
	_ = reg.Register("resize", Passthrough)
	r, err := NewRunner(Options{Registry: reg, Transport: mem, Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	_ = mem.Close()

	cancel, done := runInBackground(t, r)
	defer cancel()
	time.Sleep(20 * time.Millisecond)
	stop(t, cancel, done)
}

func TestRunner_Sweep(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &mockStore{}
	reg := NewRegistry()
	_ = reg.Register("resize", Passthrough)
	cfg := &config.Config{Idempotency: config.IdempotencyConfig{TTL: time.Hour}}
	r, err := NewRunner(Options{Config: cfg, Registry: reg, Transport: transport.NewMemory(1), Fs: fs, Store: store, ScratchAge: time.Minute})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	st, _ := r.Stage("resize")

	stale, err := st.Scratch().Prepare("old-message")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	fresh, _ := st.Scratch().Prepare("new-message")
	old := time.Now().Add(-time.Hour)
	if err := fs.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r.Sweep(context.Background())

	if ok, _ := afero.DirExists(fs, stale); ok {
		t.Error("expected stale directory to be swept")
	}
	if ok, _ := afero.DirExists(fs, fresh); !ok {
		t.Error("expected fresh directory to remain")
	}
	if !reflect.DeepEqual(store.cleanups, []time.Duration{time.Hour}) {
		t.Errorf("cleanups = %v", store.cleanups)
	}
}

func TestRunner_MixedCaseJobReachesStage(t *testing.T) {
	mem := transport.NewMemory(16)
	reg := NewRegistry()
	_ = reg.Register("Final", Passthrough)
	cfg := &config.Config{Fission: config.FissionConfig{
		Handlers: map[string][]string{"complete": {"notify"}},
	}}
	r, err := NewRunner(Options{Config: cfg, Registry: reg, Transport: mem, Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	cancel, done := runInBackground(t, r)
	send(t, mem, "Final", envelope.New("Final", nil))
	waitFor(t, "finalized envelope", func() bool { return mem.Pending("notify") == 1 })
	stop(t, cancel, done)

	if env := receive(t, mem, "notify"); !env.IsComplete("Final") || !env.Frozen {
		t.Errorf("complete=%v frozen=%v", env.Complete, env.Frozen)
	}
}
