// File: internal/secretstore/env.go
// Brief: Environment-variable secret backend.

package secretstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envProvider maps a secret path and key onto an environment variable.
// The path "prod/db" with key "password" resolves PROD_DB_PASSWORD.
type envProvider struct{}

func (envProvider) Lookup(_ context.Context, path, key string) (string, error) {
	name := EnvName(path, key)
	if name == "" {
		return "", fmt.Errorf("secret path is required")
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}

// EnvName converts a secret path and key into the environment variable
// name the env backend reads.
func EnvName(path, key string) string {
	parts := []string{}
	for _, seg := range strings.Split(strings.Trim(strings.TrimSpace(path), "/"), "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, seg)
	}
	if key = strings.TrimSpace(key); key != "" {
		parts = append(parts, key)
	}
	if len(parts) == 0 {
		return ""
	}
	name := strings.Join(parts, "_")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return name
}
