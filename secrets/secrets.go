// Package secrets resolves credential references such as a host's auth_ref
// ("env:DEPLOY_KEY", "file:web_key", "vault:deploy/ssh#private_key") and
// ${scheme:key} placeholders in configuration values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Common errors.
var (
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrInvalidKey   = errors.New("secrets: invalid key")
	ErrProviderInit = errors.New("secrets: provider initialization failed")
)

// Provider is a read-only secret backend.
type Provider interface {
	// Name returns the provider identifier.
	Name() string
	// Get retrieves a secret value by key.
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
// Keys are converted to uppercase with dots replaced by underscores, so
// "deploy.key" becomes "DEPLOY_KEY".
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment variable provider. A non-empty prefix
// is prepended to every lookup.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	envKey := strings.ToUpper(p.prefix + strings.ReplaceAll(key, ".", "_"))
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
	}
	return val, nil
}

// FileProvider reads secrets from files in a directory, one file per key.
// This matches Kubernetes secret volume mounts and ~/.ssh style key files.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" || !filepath.IsLocal(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: failed to read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\n\r"), nil
}

// StaticProvider serves secrets from a fixed map. Used in tests.
type StaticProvider map[string]string

func (p StaticProvider) Name() string { return "static" }

func (p StaticProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}
