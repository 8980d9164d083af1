package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/fission/internal/config"
)

func TestEnvManager(t *testing.T) {
	t.Setenv("FISSION_TEST_SECRET", "my-secret-value")
	t.Setenv("NO_PREFIX_SECRET", "direct-value")

	mgr := &EnvManager{Prefix: "FISSION_"}
	if val, _ := mgr.Get(context.Background(), "TEST_SECRET"); val != "my-secret-value" {
		t.Errorf("expected my-secret-value, got %s", val)
	}
	if val, _ := mgr.Get(context.Background(), "NO_PREFIX_SECRET"); val != "direct-value" {
		t.Errorf("expected fallback without prefix, got %s", val)
	}
}

type failing struct{}

func (failing) Get(context.Context, string) (string, error) { return "", errors.New("backend down") }

func TestChain(t *testing.T) {
	t.Setenv("MGR2_KEY", "value2")

	val, err := Chain{failing{}, &EnvManager{Prefix: "MGR1_"}, &EnvManager{Prefix: "MGR2_"}}.Get(context.Background(), "KEY")
	if err != nil || val != "value2" {
		t.Fatalf("expected value2, got %q %v", val, err)
	}
	if _, err := (Chain{failing{}}).Get(context.Background(), "KEY"); err == nil {
		t.Fatal("expected backend error when nothing resolves")
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("GROUPING_KEY", "resolved-value")
	mgr := &EnvManager{}
	ctx := context.Background()

	if val, err := Resolve(ctx, mgr, "secret:GROUPING_KEY"); err != nil || val != "resolved-value" {
		t.Errorf("expected resolved-value, got %q %v", val, err)
	}
	if val, err := Resolve(ctx, mgr, "plain-value"); err != nil || val != "plain-value" {
		t.Errorf("expected plain-value, got %q %v", val, err)
	}
	if _, err := Resolve(ctx, mgr, "secret:NON_EXISTENT"); err == nil {
		t.Error("expected error for missing secret")
	}
	if _, err := Resolve(ctx, nil, "secret:GROUPING_KEY"); err == nil {
		t.Error("expected error without manager")
	}
}

func TestVaultManager_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kv/data/fission/prod" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"value":"v","grouping":"g"}}}`))
	}))
	defer server.Close()

	mgr, err := NewVaultManager(server.URL, "root", "kv")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if val, err := mgr.Get(ctx, "fission/prod"); err != nil || val != "v" {
		t.Errorf("expected default field, got %q %v", val, err)
	}
	if val, err := mgr.Get(ctx, "fission/prod:grouping"); err != nil || val != "g" {
		t.Errorf("expected grouping field, got %q %v", val, err)
	}
	if _, err := mgr.Get(ctx, "fission/prod:missing"); err == nil {
		t.Error("expected missing field error")
	}
}

func TestField(t *testing.T) {
	if v, err := field(`{"grouping":"abc"}`, "grouping", "k"); err != nil || v != "abc" {
		t.Errorf("expected abc, got %q %v", v, err)
	}
	if v, _ := field("raw", "", "k"); v != "raw" {
		t.Errorf("expected raw secret, got %q", v)
	}
	if _, err := field(`{}`, "nope", "k"); err == nil {
		t.Error("expected missing field error")
	}
}

func TestNew(t *testing.T) {
	mgr, err := New(context.Background(), config.SecretsConfig{Type: "env", EnvPrefix: "X_"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mgr.(*EnvManager); !ok {
		t.Errorf("expected env manager, got %T", mgr)
	}
	mgr, err = New(context.Background(), config.SecretsConfig{Type: "openbao", Address: "http://127.0.0.1:8200"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mgr.(Chain); !ok {
		t.Errorf("expected chained manager, got %T", mgr)
	}
	if _, err := New(context.Background(), config.SecretsConfig{Type: "keepass"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
