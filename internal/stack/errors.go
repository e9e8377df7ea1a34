// File: internal/stack/errors.go
// Brief: Graph error taxonomy.

package stack

import (
	"fmt"
	"strings"
)

// UnknownDependencyError reports a dependency name with no matching
// definition. Fails before any remote call is made.
type UnknownDependencyError struct {
	Stack      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stack %s depends on unknown stack %q", e.Stack, e.Dependency)
}

// CycleError reports that the declared dependencies do not form a DAG.
// Path holds one cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// ReferenceError is an internal invariant violation: a parameter referenced
// a value that a correct plan would already have produced.
type ReferenceError struct {
	Stack  string
	Output string
	Reason string
}

func (e *ReferenceError) Error() string {
	target := e.Stack
	if e.Output != "" {
		target = e.Stack + "." + e.Output
	}
	return fmt.Sprintf("internal error: unresolved reference %s (%s)", target, e.Reason)
}
