// File: internal/stack/params.go
// Brief: Parameter reference grammar and resolution.

package stack

import (
	"fmt"
	"strings"
)

type ParameterKind string

const (
	ParameterLiteral ParameterKind = "literal"
	ParameterOutput  ParameterKind = "output"
	ParameterBuild   ParameterKind = "build"
	ParameterSecret  ParameterKind = "secret"
)

// Parameter is either a literal value or a reference resolved lazily at
// converge time.
//
// Grammar:
//
//	output:<stack>.<Key>   another stack's output
//	build:<name>           the image reference produced for a build spec
//	secret:<path>#<key>    a secret store lookup
//	anything else          literal
type Parameter struct {
	Kind    ParameterKind `json:"kind"`
	Literal string        `json:"literal,omitempty"`

	Stack  string `json:"stack,omitempty"`
	Output string `json:"output,omitempty"`

	Build string `json:"build,omitempty"`

	SecretPath string `json:"secretPath,omitempty"`
	SecretKey  string `json:"secretKey,omitempty"`
}

func ParseParameter(raw string) (Parameter, error) {
	switch {
	case strings.HasPrefix(raw, "output:"):
		rest := strings.TrimPrefix(raw, "output:")
		idx := strings.LastIndex(rest, ".")
		if idx <= 0 || idx == len(rest)-1 {
			return Parameter{}, fmt.Errorf("invalid output reference %q (expected output:<stack>.<Key>)", raw)
		}
		return Parameter{Kind: ParameterOutput, Stack: rest[:idx], Output: rest[idx+1:]}, nil
	case strings.HasPrefix(raw, "build:"):
		name := strings.TrimSpace(strings.TrimPrefix(raw, "build:"))
		if name == "" {
			return Parameter{}, fmt.Errorf("invalid build reference %q (expected build:<name>)", raw)
		}
		return Parameter{Kind: ParameterBuild, Build: name}, nil
	case strings.HasPrefix(raw, "secret:"):
		rest := strings.TrimPrefix(raw, "secret:")
		path, key, ok := strings.Cut(rest, "#")
		if !ok || strings.TrimSpace(path) == "" || strings.TrimSpace(key) == "" {
			return Parameter{}, fmt.Errorf("invalid secret reference %q (expected secret:<path>#<key>)", raw)
		}
		return Parameter{Kind: ParameterSecret, SecretPath: path, SecretKey: key}, nil
	default:
		return Parameter{Kind: ParameterLiteral, Literal: raw}, nil
	}
}

func (p Parameter) String() string {
	switch p.Kind {
	case ParameterOutput:
		return fmt.Sprintf("output:%s.%s", p.Stack, p.Output)
	case ParameterBuild:
		return fmt.Sprintf("build:%s", p.Build)
	case ParameterSecret:
		return fmt.Sprintf("secret:%s#%s", p.SecretPath, p.SecretKey)
	default:
		return p.Literal
	}
}

// ResolveContext carries the values accumulated by the orchestrator that
// references resolve against.
type ResolveContext struct {
	Outputs   map[string]Outputs
	Artifacts map[string]string
	Secrets   SecretLookup
}

type SecretLookup func(path, key string) (string, error)

// Resolve returns the concrete string value for p. Output references to a
// stack that has not converged yet indicate a plan ordering defect and fail
// with ReferenceError.
func (p Parameter) Resolve(rc ResolveContext) (string, error) {
	switch p.Kind {
	case ParameterLiteral:
		return p.Literal, nil
	case ParameterOutput:
		outs, ok := rc.Outputs[p.Stack]
		if !ok {
			return "", &ReferenceError{Stack: p.Stack, Output: p.Output, Reason: "stack has not converged"}
		}
		v, ok := outs[p.Output]
		if !ok {
			return "", &ReferenceError{Stack: p.Stack, Output: p.Output, Reason: "output key not recorded"}
		}
		return v, nil
	case ParameterBuild:
		ref, ok := rc.Artifacts[p.Build]
		if !ok {
			return "", &ReferenceError{Stack: p.Build, Output: "", Reason: "artifact was not built"}
		}
		return ref, nil
	case ParameterSecret:
		if rc.Secrets == nil {
			return "", fmt.Errorf("secret reference %s: no secret provider configured", p)
		}
		return rc.Secrets(p.SecretPath, p.SecretKey)
	default:
		return "", fmt.Errorf("unknown parameter kind %q", p.Kind)
	}
}
