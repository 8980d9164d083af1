package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// VaultManager reads KV v2 secrets from HashiCorp Vault or OpenBao, which is
// wire compatible.
type VaultManager struct {
	client *api.Client
	mount  string
}

func NewVaultManager(address, token, mount string) (*VaultManager, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if mount == "" {
		mount = "secret"
	}
	return &VaultManager{client: client, mount: mount}, nil
}

// Get reads "path/to/secret" or "path/to/secret:field". The field defaults to "value".
func (m *VaultManager) Get(ctx context.Context, key string) (string, error) {
	path, field := key, "value"
	if i := strings.LastIndex(key, ":"); i >= 0 {
		path, field = key[:i], key[i+1:]
	}

	secret, err := m.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", m.mount, path))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret data format for %s", key)
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("field %s not found in secret %s", field, path)
	}
	return fmt.Sprintf("%v", val), nil
}
