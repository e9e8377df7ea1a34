// File: internal/build/builder.go
// Brief: Container artifact build and publish.

package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/example/depctl/internal/stack"
	"github.com/example/depctl/pkg/buildkit"
	"github.com/example/depctl/pkg/registry"
)

// ArtifactRef is a pushed image: registry repository plus the unique tag
// minted for this invocation.
type ArtifactRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest,omitempty"`
}

func (r ArtifactRef) String() string {
	return r.Repository + ":" + r.Tag
}

// BuildError reports a failed toolchain invocation. Diagnostics holds the
// tail of the captured build output. No artifact is referenced on failure.
type BuildError struct {
	Name        string
	Err         error
	Diagnostics string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Name, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Engine abstracts the BuildKit solve so tests can substitute a fake.
type Engine func(ctx context.Context, opts buildkit.DockerfileBuildOptions) (*buildkit.BuildResult, error)

// Pusher abstracts the registry publish step.
type Pusher func(ctx context.Context, layoutPath, ref string, opts registry.PushOptions) (string, error)

type Builder struct {
	engine Engine
	push   Pusher
	log    logr.Logger
	out    io.Writer

	ecrAuth func(ctx context.Context, region string) (authn.Authenticator, error)
	region  string
}

type Options struct {
	Engine Engine
	Pusher Pusher
	Logger logr.Logger
	Output io.Writer
	Region string
}

func New(opts Options) *Builder {
	b := &Builder{
		engine:  opts.Engine,
		push:    opts.Pusher,
		log:     opts.Logger,
		out:     opts.Output,
		ecrAuth: registry.ECRAuthenticator,
		region:  opts.Region,
	}
	if b.engine == nil {
		b.engine = buildkit.BuildDockerfile
	}
	if b.push == nil {
		b.push = registry.PushLayout
	}
	if b.out == nil {
		b.out = os.Stderr
	}
	return b
}

// Build runs the toolchain against the build spec's context, pushes the result,
// and returns the unique reference. The tag is minted fresh per invocation,
// so a retried build never collides with a partially pushed predecessor.
func (b *Builder) Build(ctx context.Context, name string, spec *stack.BuildSpec) (ArtifactRef, error) {
	if spec == nil {
		return ArtifactRef{}, fmt.Errorf("stack %s has no build spec", name)
	}
	if err := registry.ValidateRepository(spec.Repository); err != nil {
		return ArtifactRef{}, err
	}

	tag := UniqueTag(ctx, name)
	ref, err := registry.Reference(spec.Repository, tag)
	if err != nil {
		return ArtifactRef{}, err
	}

	layoutDir, err := os.MkdirTemp("", "depctl-build-"+name+"-")
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("create layout dir: %w", err)
	}
	defer os.RemoveAll(layoutDir)

	tail := newTailWriter(b.out, 32*1024)
	b.log.Info("building artifact", "name", name, "context", spec.Context, "ref", ref)
	result, err := b.engine(ctx, buildkit.DockerfileBuildOptions{
		ContextDir:     spec.Context,
		DockerfilePath: spec.Dockerfile,
		Platforms:      spec.Platforms,
		BuildArgs:      spec.Args,
		OCIOutputPath:  layoutDir,
		ProgressOutput: tail,
	})
	if err != nil {
		return ArtifactRef{}, &BuildError{Name: name, Err: err, Diagnostics: tail.Tail()}
	}

	pushOpts := registry.PushOptions{Output: b.out}
	if registry.IsECRRepository(spec.Repository) {
		auth, err := b.ecrAuth(ctx, b.region)
		if err != nil {
			return ArtifactRef{}, &BuildError{Name: name, Err: fmt.Errorf("ecr auth: %w", err)}
		}
		pushOpts.Auth = auth
	}
	digest, err := b.push(ctx, layoutDir, ref, pushOpts)
	if err != nil {
		return ArtifactRef{}, &BuildError{Name: name, Err: fmt.Errorf("push %s: %w", ref, err)}
	}
	if digest == "" {
		digest = result.Digest
	}

	b.log.Info("artifact pushed", "name", name, "ref", ref, "digest", digest)
	return ArtifactRef{Repository: spec.Repository, Tag: tag, Digest: digest}, nil
}

// tailWriter tees build progress to out while keeping the last max bytes for
// error diagnostics.
type tailWriter struct {
	out io.Writer
	max int
	buf []byte
}

func newTailWriter(out io.Writer, max int) *tailWriter {
	return &tailWriter{out: out, max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	if w.out != nil {
		w.out.Write(p)
	}
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) Tail() string {
	return strings.TrimSpace(string(w.buf))
}
