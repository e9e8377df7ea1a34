package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/example/depctl/internal/stack"
	"github.com/example/depctl/pkg/buildkit"
	"github.com/example/depctl/pkg/registry"
)

func TestBuildPushesAndReturnsUniqueReference(t *testing.T) {
	var pushedRef string
	b := New(Options{
		Logger: logr.Discard(),
		Output: io.Discard,
		Engine: func(_ context.Context, opts buildkit.DockerfileBuildOptions) (*buildkit.BuildResult, error) {
			if opts.OCIOutputPath == "" {
				t.Fatalf("expected OCI output path")
			}
			return &buildkit.BuildResult{Digest: "sha256:abc", OCIOutputPath: opts.OCIOutputPath}, nil
		},
		Pusher: func(_ context.Context, _ string, ref string, _ registry.PushOptions) (string, error) {
			pushedRef = ref
			return "sha256:abc", nil
		},
	})

	spec := &stack.BuildSpec{Context: t.TempDir(), Repository: "registry.example.com/demo/webapp"}
	ref, err := b.Build(context.Background(), "webapp", spec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ref.Repository != "registry.example.com/demo/webapp" {
		t.Fatalf("repository=%q", ref.Repository)
	}
	if !strings.HasPrefix(ref.Tag, "webapp-") {
		t.Fatalf("tag=%q", ref.Tag)
	}
	if ref.Digest != "sha256:abc" {
		t.Fatalf("digest=%q", ref.Digest)
	}
	if pushedRef != ref.String() {
		t.Fatalf("pushed=%q want=%q", pushedRef, ref.String())
	}
}

func TestBuildFailureCarriesDiagnosticsAndSkipsPush(t *testing.T) {
	pushes := 0
	b := New(Options{
		Logger: logr.Discard(),
		Output: io.Discard,
		Engine: func(_ context.Context, opts buildkit.DockerfileBuildOptions) (*buildkit.BuildResult, error) {
			opts.ProgressOutput.Write([]byte("=> ERROR compile: exit status 2\n"))
			return nil, fmt.Errorf("solve failed")
		},
		Pusher: func(_ context.Context, _ string, _ string, _ registry.PushOptions) (string, error) {
			pushes++
			return "", nil
		},
	})

	spec := &stack.BuildSpec{Context: t.TempDir(), Repository: "registry.example.com/demo/webapp"}
	_, err := b.Build(context.Background(), "webapp", spec)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if !strings.Contains(buildErr.Diagnostics, "exit status 2") {
		t.Fatalf("diagnostics=%q", buildErr.Diagnostics)
	}
	if pushes != 0 {
		t.Fatalf("push must not run after a failed build (pushes=%d)", pushes)
	}
}

func TestBuildRejectsTaggedRepository(t *testing.T) {
	b := New(Options{Logger: logr.Discard(), Output: io.Discard})
	spec := &stack.BuildSpec{Context: t.TempDir(), Repository: "registry.example.com/demo/webapp:latest"}
	if _, err := b.Build(context.Background(), "webapp", spec); err == nil {
		t.Fatalf("expected repository validation error")
	}
}

func TestUniqueTagNeverRepeats(t *testing.T) {
	seen := map[string]struct{}{}
	valid := regexp.MustCompile(`^webapp-[a-z0-9][a-zA-Z0-9._-]*$`)
	for i := 0; i < 50; i++ {
		tag := UniqueTag(context.Background(), "webapp")
		if !valid.MatchString(tag) {
			t.Fatalf("tag %q is not a valid image tag", tag)
		}
		if _, ok := seen[tag]; ok {
			t.Fatalf("tag %q repeated", tag)
		}
		seen[tag] = struct{}{}
	}
}

func TestTailWriterKeepsTail(t *testing.T) {
	var out bytes.Buffer
	w := newTailWriter(&out, 8)
	w.Write([]byte("0123456789"))
	if w.Tail() != "23456789" {
		t.Fatalf("tail=%q", w.Tail())
	}
	if out.String() != "0123456789" {
		t.Fatalf("out=%q", out.String())
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSpecsFromCompose(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	writeFile(t, composePath, `
services:
  webapp:
    image: registry.example.com/demo/webapp:latest
    build:
      context: ./app
      dockerfile: Dockerfile
      args:
        VERSION: "1.2.3"
  db:
    image: postgres:16
`)
	writeFile(t, filepath.Join(dir, "app", "Dockerfile"), "FROM scratch\n")

	specs, err := SpecsFromCompose(composePath)
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("specs=%v", ComposeServiceNames(specs))
	}
	spec := specs["webapp"]
	if spec == nil {
		t.Fatalf("missing webapp spec")
	}
	if spec.Repository != "registry.example.com/demo/webapp" {
		t.Fatalf("repository=%q", spec.Repository)
	}
	if spec.Context != filepath.Join(dir, "app") {
		t.Fatalf("context=%q", spec.Context)
	}
	if spec.Args["VERSION"] != "1.2.3" {
		t.Fatalf("args=%v", spec.Args)
	}
}

func TestSpecsFromComposeRequiresImage(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	writeFile(t, composePath, `
services:
  webapp:
    build:
      context: .
`)
	if _, err := SpecsFromCompose(composePath); err == nil {
		t.Fatalf("expected missing image error")
	}
}
