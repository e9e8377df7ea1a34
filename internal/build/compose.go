// File: internal/build/compose.go
// Brief: Build spec discovery from Compose files.

package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/example/depctl/internal/stack"
)

// SpecsFromCompose derives build specs from a Compose file: every service
// with a build section becomes a spec keyed by service name, its image field
// (minus any tag) used as the target repository.
func SpecsFromCompose(path string) (map[string]*stack.BuildSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read compose file %s: %w", path, err)
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[key] = value
	}

	workingDir := filepath.Dir(abs)
	project, err := loader.Load(composetypes.ConfigDetails{
		WorkingDir:  workingDir,
		ConfigFiles: []composetypes.ConfigFile{{Filename: abs, Content: data}},
		Environment: env,
	}, func(o *loader.Options) {
		o.SetProjectName("depctl", true)
	})
	if err != nil {
		return nil, fmt.Errorf("parse compose file %s: %w", path, err)
	}

	specs := map[string]*stack.BuildSpec{}
	for name, svc := range project.Services {
		if svc.Build == nil || svc.Build.Context == "" {
			continue
		}
		if svc.Image == "" {
			return nil, fmt.Errorf("compose service %s has a build section but no image", name)
		}
		repo := svc.Image
		if idx := strings.LastIndex(repo, ":"); idx > strings.LastIndex(repo, "/") {
			repo = repo[:idx]
		}
		spec := &stack.BuildSpec{
			Context:    resolveRelative(workingDir, svc.Build.Context),
			Dockerfile: svc.Build.Dockerfile,
			Repository: repo,
			Args:       resolveBuildArgs(svc.Build.Args),
		}
		if len(svc.Build.Platforms) > 0 {
			spec.Platforms = append([]string(nil), svc.Build.Platforms...)
		}
		specs[name] = spec
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("compose file %s has no buildable services", path)
	}
	return specs, nil
}

// ComposeServiceNames lists buildable services for display, sorted.
func ComposeServiceNames(specs map[string]*stack.BuildSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveBuildArgs(args composetypes.MappingWithEquals) map[string]string {
	if len(args) == 0 {
		return nil
	}
	resolved := make(map[string]string, len(args))
	for k, v := range args {
		if v != nil {
			resolved[k] = *v
		}
	}
	if len(resolved) == 0 {
		return nil
	}
	return resolved
}

func resolveRelative(base, target string) string {
	if target == "" {
		return base
	}
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(base, target)
}
