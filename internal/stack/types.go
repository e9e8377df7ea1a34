// File: internal/stack/types.go
// Brief: Stack and deployment configuration types.

package stack

import (
	"sort"
	"time"
)

type APIVersionKind struct {
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// BuildSpec describes the container image a stack consumes. The orchestrator
// builds and pushes it before the stack is submitted.
type BuildSpec struct {
	Context    string            `yaml:"context,omitempty" json:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Repository string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	Args       map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
	Platforms  []string          `yaml:"platforms,omitempty" json:"platforms,omitempty"`
}

type ConvergeOptions struct {
	Timeout      *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PollInterval *time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
}

// Hooks are commands run around a stack's convergence. Parsed with
// shellwords, executed in the stack file's directory.
type Hooks struct {
	PreDeploy  []string `yaml:"preDeploy,omitempty" json:"preDeploy,omitempty"`
	PostDeploy []string `yaml:"postDeploy,omitempty" json:"postDeploy,omitempty"`
}

type StackDefaults struct {
	Region       string            `yaml:"region,omitempty" json:"region,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Tags         map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Converge     ConvergeOptions   `yaml:"converge,omitempty" json:"converge,omitempty"`
}

type Profile struct {
	Defaults StackDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// File is the parsed deploy.yaml.
type File struct {
	APIVersionKind `yaml:",inline" json:",inline"`

	Name           string             `yaml:"name,omitempty" json:"name,omitempty"`
	DefaultProfile string             `yaml:"defaultProfile,omitempty" json:"defaultProfile,omitempty"`
	Profiles       map[string]Profile `yaml:"profiles,omitempty" json:"profiles,omitempty"`

	Defaults StackDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Stacks   []Spec        `yaml:"stacks,omitempty" json:"stacks,omitempty"`
}

// Spec is a single stack entry as written in deploy.yaml.
type Spec struct {
	Name         string            `yaml:"name,omitempty" json:"name,omitempty"`
	Template     string            `yaml:"template,omitempty" json:"template,omitempty"`
	Parameters   map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	DependsOn    []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Build        *BuildSpec        `yaml:"build,omitempty" json:"build,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Tags         map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Hooks        Hooks             `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Converge     ConvergeOptions   `yaml:"converge,omitempty" json:"converge,omitempty"`
}

// Definition is a stack after defaults merging and reference parsing.
// Immutable once the plan is built.
type Definition struct {
	Name         string               `json:"name"`
	Dir          string               `json:"dir"`
	TemplatePath string               `json:"templatePath"`
	Region       string               `json:"region"`
	Parameters   map[string]Parameter `json:"parameters"`
	DependsOn    []string             `json:"dependsOn"`
	Build        *BuildSpec           `json:"build,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	Tags         map[string]string    `json:"tags,omitempty"`
	Hooks        Hooks                `json:"hooks,omitempty"`
	Converge     ConvergeOptions      `json:"converge,omitempty"`

	// DeclIndex preserves declaration order for stable tie-breaks.
	DeclIndex int `json:"declIndex"`
}

// ParameterNames returns the definition's parameter names sorted for
// deterministic iteration.
func (d *Definition) ParameterNames() []string {
	names := make([]string, 0, len(d.Parameters))
	for name := range d.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outputs holds the key/value outputs recorded after a stack converges.
// Never mutated after being recorded.
type Outputs map[string]string

func (o Outputs) Clone() Outputs {
	if o == nil {
		return nil
	}
	out := make(Outputs, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
