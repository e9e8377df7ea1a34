package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

type PushOptions struct {
	Output io.Writer
	// Auth overrides the default keychain (e.g. an ECR token authenticator).
	Auth authn.Authenticator
}

// PushLayout publishes a local OCI layout to reference and returns the digest
// of the pushed index.
func PushLayout(ctx context.Context, layoutPath, ref string, opts PushOptions) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	lp, err := layout.FromPath(layoutPath)
	if err != nil {
		return "", fmt.Errorf("open OCI layout: %w", err)
	}
	idx, err := lp.ImageIndex()
	if err != nil {
		return "", fmt.Errorf("load OCI index: %w", err)
	}
	if opts.Output != nil {
		fmt.Fprintf(opts.Output, "Pushing %s from %s\n", ref, layoutPath)
	}
	remoteOpts := []remote.Option{remote.WithContext(ctx)}
	if opts.Auth != nil {
		remoteOpts = append(remoteOpts, remote.WithAuth(opts.Auth))
	} else {
		remoteOpts = append(remoteOpts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	if err := remote.WriteIndex(parsed, idx, remoteOpts...); err != nil {
		return "", err
	}
	return indexDigest(idx)
}

func indexDigest(idx v1.ImageIndex) (string, error) {
	d, err := idx.Digest()
	if err != nil {
		return "", fmt.Errorf("compute index digest: %w", err)
	}
	return d.String(), nil
}

// CopyReference retags an already-pushed image without rebuilding.
func CopyReference(ctx context.Context, src, dst string) error {
	return crane.Copy(src, dst, crane.WithContext(ctx), crane.WithAuthFromKeychain(authn.DefaultKeychain))
}
