package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds configuration for HashiCorp Vault.
type VaultConfig struct {
	Address   string `json:"address" yaml:"address"`
	Token     string `json:"token" yaml:"token"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// VaultProvider reads secrets from a KV v2 mount. Keys have the form
// "path" or "path#field"; without a field the whole data map is returned
// as JSON, or the only value when there is exactly one.
type VaultProvider struct {
	kv *vault.KVv2
}

// NewVaultProvider creates a provider for cfg.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderInit)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: vault token is required", ErrProviderInit)
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	vc := vault.DefaultConfig()
	vc.Address = strings.TrimRight(cfg.Address, "/")
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return &VaultProvider{kv: client.KVv2(cfg.MountPath)}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path, field := parseVaultKey(key)
	if path == "" {
		return "", ErrInvalidKey
	}
	secret, err := p.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: vault %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault %s has no data", ErrNotFound, path)
	}
	if field != "" {
		val, ok := secret.Data[field]
		if !ok {
			return "", fmt.Errorf("%w: field %q in vault %s", ErrNotFound, field, path)
		}
		return fmt.Sprint(val), nil
	}
	if len(secret.Data) == 1 {
		for _, v := range secret.Data {
			return fmt.Sprint(v), nil
		}
	}
	data, err := json.Marshal(secret.Data)
	if err != nil {
		return "", fmt.Errorf("secrets: encode vault data: %w", err)
	}
	return string(data), nil
}

func parseVaultKey(key string) (path, field string) {
	path, field, _ = strings.Cut(key, "#")
	return strings.Trim(path, "/"), field
}
