// File: internal/secretstore/vault.go
// Brief: Vault KV secret backend with token, approle, and AWS IAM login.

package secretstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

type vaultProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
	auth      vaultAuth
	authOnce  sync.Once
	authErr   error
}

func newVaultProvider(cfg Config) (*vaultProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	auth, err := buildVaultAuth(cfg)
	if err != nil {
		return nil, err
	}

	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if auth.method == vaultAuthToken {
		client.SetToken(auth.token)
	}

	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}
	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	return &vaultProvider{
		client:    client,
		mount:     mount,
		kvVersion: kvVersion,
		auth:      auth,
	}, nil
}

func (p *vaultProvider) Lookup(ctx context.Context, path, key string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("vault secret path is required")
	}
	if err := p.ensureAuth(ctx); err != nil {
		return "", err
	}
	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	return selectValue(data, key)
}

func (p *vaultProvider) read(ctx context.Context, path string) (map[string]interface{}, error) {
	switch p.kvVersion {
	case 1:
		secret, err := p.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", p.mount, path))
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %q not found", path)
		}
		return secret.Data, nil
	default:
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %q not found", path)
		}
		return secret.Data, nil
	}
}

func selectValue(data map[string]interface{}, key string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("secret data is empty")
	}
	key = strings.TrimSpace(key)
	if key != "" {
		val, ok := data[key]
		if !ok {
			return "", fmt.Errorf("secret key %q not found", key)
		}
		return coerceStringValue(val)
	}
	if val, ok := data["value"]; ok {
		return coerceStringValue(val)
	}
	if len(data) == 1 {
		for _, val := range data {
			return coerceStringValue(val)
		}
	}
	return "", fmt.Errorf("secret value is ambiguous; specify a key")
}

func coerceStringValue(val interface{}) (string, error) {
	switch typed := val.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("secret value must be a string")
	}
}
