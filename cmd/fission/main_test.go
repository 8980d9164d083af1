package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/fission/internal/config"
	"github.com/user/fission/pkg/tenant"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestNewPayload_FromDataFile(t *testing.T) {
	path := writeFile(t, "data.yaml", "image:\n  url: http://example.com/a.png\n  width: 640\n")

	env, err := newPayload(payloadOptions{Job: "thumbnail", DataFile: path}, "")
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	if env.Job != "thumbnail" || env.MessageID == "" {
		t.Errorf("job=%q message_id=%q", env.Job, env.MessageID)
	}
	if got := env.Lookup("image.url").String(); got != "http://example.com/a.png" {
		t.Errorf("image.url = %q", got)
	}
	if got := env.Lookup("image.width").Int(); got != 640 {
		t.Errorf("image.width = %d", got)
	}
}

func TestNewPayload_Raw(t *testing.T) {
	env, err := newPayload(payloadOptions{Job: "echo", Raw: "hello"}, "")
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	if got := env.Get("value"); got != "hello" {
		t.Errorf("value = %v", got)
	}

	if _, err := newPayload(payloadOptions{Job: "echo", Raw: "hello", JSONRequired: true}, ""); err == nil {
		t.Error("expected non-JSON raw payload to be rejected")
	}
	if _, err := newPayload(payloadOptions{Job: "echo", Raw: "{}", DataFile: "x.yaml"}, ""); err == nil {
		t.Error("expected --data and --raw to conflict")
	}
}

func TestNewPayload_SealsOverrides(t *testing.T) {
	path := writeFile(t, "overrides.yaml", "resize:\n  width: 5\n")

	env, err := newPayload(payloadOptions{Job: "resize", OverrideFile: path}, "s3cret")
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	if _, ok := env.Get("account", "config").(string); !ok {
		t.Fatalf("expected sealed account config, got %T", env.Get("account", "config"))
	}

	override, err := tenant.NewScope("resize", "s3cret").Extract(env)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := override.Get("width"); got != float64(5) {
		t.Errorf("width = %v", got)
	}
	if _, err := tenant.NewScope("resize", "other").Extract(env); err == nil {
		t.Error("expected wrong secret to fail")
	}
}

func TestRegisterStages(t *testing.T) {
	cfg := &config.Config{Fission: config.FissionConfig{Passthrough: []string{"archive", "notify"}}}
	reg, err := registerStages(cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "archive,notify" {
		t.Errorf("names = %s", got)
	}

	cfg.Fission.Passthrough = []string{"archive", "Archive"}
	if _, err := registerStages(cfg); err == nil {
		t.Error("expected duplicate stage to fail")
	}
}

func TestBuiltinFormatters(t *testing.T) {
	fs := builtinFormatters(&config.Config{})
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, f.Name()+"->"+f.Destination())
	}
	if got := strings.Join(names, ","); got != "GithubStatus->github,NotificationOrigin->notification" {
		t.Errorf("formatters = %s", got)
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("fission %s: %v", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(out.String())
}

func TestVersionCommand(t *testing.T) {
	if got := execute(t, "version"); got != "fission "+version {
		t.Errorf("version output = %q", got)
	}
}

func TestConfigEncryptDecrypt(t *testing.T) {
	sealed := execute(t, "config", "encrypt", "--message-id", "m-1", `{"resize":{"width":5}}`)
	if sealed == "" || strings.Contains(sealed, "resize") {
		t.Fatalf("unexpected sealed value %q", sealed)
	}
	if got := execute(t, "config", "decrypt", "--message-id", "m-1", sealed); got != `{"resize":{"width":5}}` {
		t.Errorf("decrypted = %q", got)
	}
}
