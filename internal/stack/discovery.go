// File: internal/stack/discovery.go
// Brief: deploy.yaml loading, profile merging, definition validation.

package stack

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileAPIVersion = "depctl.dev/v1"
	FileKind       = "Deployment"

	DefaultFileName = "deploy.yaml"
)

// LoadOptions select the profile and file to load.
type LoadOptions struct {
	Path    string
	Profile string
}

// Load reads a deploy.yaml and returns validated stack definitions with
// defaults and the selected profile merged in. Declaration order is
// preserved via Definition.DeclIndex.
func Load(opts LoadOptions) ([]*Definition, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = DefaultFileName
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if file.APIVersion != "" && file.APIVersion != FileAPIVersion {
		return nil, fmt.Errorf("%s: unsupported apiVersion %q (expected %s)", path, file.APIVersion, FileAPIVersion)
	}
	if file.Kind != "" && file.Kind != FileKind {
		return nil, fmt.Errorf("%s: unsupported kind %q (expected %s)", path, file.Kind, FileKind)
	}
	if len(file.Stacks) == 0 {
		return nil, fmt.Errorf("%s: no stacks defined", path)
	}

	defaults := file.Defaults
	profile := strings.TrimSpace(opts.Profile)
	if profile == "" {
		profile = strings.TrimSpace(file.DefaultProfile)
	}
	if profile != "" {
		p, ok := file.Profiles[profile]
		if !ok {
			known := make([]string, 0, len(file.Profiles))
			for name := range file.Profiles {
				known = append(known, name)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("%s: unknown profile %q (known: %s)", path, profile, strings.Join(known, ", "))
		}
		defaults = mergeDefaults(defaults, p.Defaults)
	}

	dir := filepath.Dir(path)
	defs := make([]*Definition, 0, len(file.Stacks))
	for i, spec := range file.Stacks {
		def, err := compileSpec(dir, spec, defaults, i)
		if err != nil {
			return nil, fmt.Errorf("%s: stack %q: %w", path, spec.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func mergeDefaults(base, over StackDefaults) StackDefaults {
	out := base
	if over.Region != "" {
		out.Region = over.Region
	}
	if len(over.Capabilities) > 0 {
		out.Capabilities = append([]string(nil), over.Capabilities...)
	}
	if len(over.Tags) > 0 {
		merged := map[string]string{}
		for k, v := range base.Tags {
			merged[k] = v
		}
		for k, v := range over.Tags {
			merged[k] = v
		}
		out.Tags = merged
	}
	if over.Converge.Timeout != nil {
		out.Converge.Timeout = over.Converge.Timeout
	}
	if over.Converge.PollInterval != nil {
		out.Converge.PollInterval = over.Converge.PollInterval
	}
	return out
}

func compileSpec(dir string, spec Spec, defaults StackDefaults, declIndex int) (*Definition, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	tmpl := strings.TrimSpace(spec.Template)
	if tmpl == "" {
		return nil, fmt.Errorf("template is required")
	}
	templatePath := tmpl
	if !filepath.IsAbs(templatePath) {
		templatePath = filepath.Join(dir, templatePath)
	}
	if _, err := os.Stat(templatePath); err != nil {
		return nil, fmt.Errorf("template %s: %w", tmpl, err)
	}

	params := make(map[string]Parameter, len(spec.Parameters))
	for k, v := range spec.Parameters {
		p, err := ParseParameter(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		params[k] = p
	}

	caps := spec.Capabilities
	if len(caps) == 0 {
		caps = defaults.Capabilities
	}
	tags := map[string]string{}
	for k, v := range defaults.Tags {
		tags[k] = v
	}
	for k, v := range spec.Tags {
		tags[k] = v
	}
	if len(tags) == 0 {
		tags = nil
	}

	conv := defaults.Converge
	if spec.Converge.Timeout != nil {
		conv.Timeout = spec.Converge.Timeout
	}
	if spec.Converge.PollInterval != nil {
		conv.PollInterval = spec.Converge.PollInterval
	}

	build := spec.Build
	if build != nil {
		if strings.TrimSpace(build.Repository) == "" {
			return nil, fmt.Errorf("build.repository is required")
		}
		if strings.TrimSpace(build.Context) == "" {
			build.Context = "."
		}
		if !filepath.IsAbs(build.Context) {
			build.Context = filepath.Join(dir, build.Context)
		}
	}

	return &Definition{
		Name:         name,
		Dir:          dir,
		TemplatePath: templatePath,
		Region:       defaults.Region,
		Parameters:   params,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		Build:        build,
		Capabilities: append([]string(nil), caps...),
		Tags:         tags,
		Hooks:        spec.Hooks,
		Converge:     conv,
		DeclIndex:    declIndex,
	}, nil
}
