// File: internal/converge/errors.go
// Brief: Convergence error taxonomy.

package converge

import (
	"fmt"
	"time"
)

// ConvergenceError reports a stack that reached a terminal failure state.
// Remote state is determinate: the provider finished and refused.
type ConvergenceError struct {
	Stack  string
	Status string
	Reason string
}

func (e *ConvergenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stack %s failed to converge: %s (%s)", e.Stack, e.Status, e.Reason)
	}
	return fmt.Sprintf("stack %s failed to converge: %s", e.Stack, e.Status)
}

// TimeoutError reports that the maximum wait elapsed before a terminal state
// was observed. Remote state is indeterminate: the stack may still converge
// after the fact, so callers must not assume failure and must not attempt
// recovery beyond surfacing the condition to an operator.
type TimeoutError struct {
	Stack      string
	Wait       time.Duration
	LastStatus string
}

func (e *TimeoutError) Error() string {
	if e.LastStatus != "" {
		return fmt.Sprintf("stack %s did not reach a terminal state within %s (last status %s); remote state is indeterminate", e.Stack, e.Wait, e.LastStatus)
	}
	return fmt.Sprintf("stack %s did not reach a terminal state within %s; remote state is indeterminate", e.Stack, e.Wait)
}
