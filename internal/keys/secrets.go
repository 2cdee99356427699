package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecretNotFound is returned by a SecretsProvider for unknown names.
var ErrSecretNotFound = errors.New("secret not found")

// SecretsProvider sources deployment secrets. Key material is never compiled in.
type SecretsProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvSecrets reads secrets from environment variables. A name such as
// "kek-secret" maps to PREFIX + "KEK_SECRET".
type EnvSecrets struct {
	Prefix string
}

func (p EnvSecrets) GetSecret(_ context.Context, name string) (string, error) {
	key := p.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

// FileSecrets reads one secret per file from Dir, as mounted by Kubernetes or Docker secrets.
type FileSecrets struct {
	Dir string
}

func (p FileSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSecretNotFound, name)
	}
	return v, nil
}

// StaticSecrets serves a fixed map, for tests and local development.
type StaticSecrets map[string]string

func (p StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// ChainSecrets tries each provider in order and returns the first hit.
type ChainSecrets []SecretsProvider

func (c ChainSecrets) GetSecret(ctx context.Context, name string) (string, error) {
	for _, p := range c {
		v, err := p.GetSecret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}
