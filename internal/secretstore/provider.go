// File: internal/secretstore/provider.go
// Brief: Secret provider interface and construction from configuration.

package secretstore

import (
	"context"
	"fmt"
	"strings"
)

// Provider resolves a single secret value. Values are fetched on every
// call; nothing is cached across runs.
type Provider interface {
	Lookup(ctx context.Context, path, key string) (string, error)
}

// Config selects and configures a secret backend.
type Config struct {
	// Backend is "env" or "vault". Empty defaults to "env".
	Backend string

	// Vault connection settings.
	Address   string
	Namespace string
	Mount     string
	KVVersion int

	// Vault auth settings.
	AuthMethod     string
	AuthMount      string
	Token          string
	RoleID         string
	SecretID       string
	AWSRole        string
	AWSRegion      string
	AWSHeaderValue string
}

// New builds a Provider for the configured backend.
func New(cfg Config) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "env":
		return &envProvider{}, nil
	case "vault":
		return newVaultProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported secret backend %q", cfg.Backend)
	}
}
