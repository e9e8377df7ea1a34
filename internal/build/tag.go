// File: internal/build/tag.go
// Brief: Unique per-invocation image tags.

package build

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/example/depctl/internal/gitinfo"
)

// UniqueTag derives a tag that cannot collide across concurrent runs:
// the stack name, the current commit when available, and a random nonce.
// Identical toolchain output is not guaranteed byte for byte, so a retry
// must never reuse a previous tag.
func UniqueTag(ctx context.Context, name string) string {
	nonce := make([]byte, 4)
	rand.Read(nonce)
	suffix := hex.EncodeToString(nonce)

	short := gitinfo.ShortHead(ctx)
	if short == "" {
		return fmt.Sprintf("%s-%s", name, suffix)
	}
	return fmt.Sprintf("%s-%s-%s", name, short, suffix)
}
