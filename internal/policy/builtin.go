package policy

import _ "embed"

//go:embed builtin.rego
var builtinRego string

// DefaultBundle returns the policy applied when no bundle is configured:
// templates whose IAM statements allow stack deletion are denied.
func DefaultBundle() *Bundle {
	return &Bundle{Modules: map[string]string{"builtin.rego": builtinRego}}
}
