// File: internal/converge/status.go
// Brief: Stack state machine and terminal status classification.

package converge

import (
	"strings"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// State is the driver-side view of a stack's convergence.
//
// PENDING -> SUBMITTED -> IN_PROGRESS -> {SUCCEEDED | FAILED | ROLLED_BACK}
type State string

const (
	StatePending    State = "PENDING"
	StateSubmitted  State = "SUBMITTED"
	StateInProgress State = "IN_PROGRESS"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateRolledBack State = "ROLLED_BACK"
)

// Terminal reports whether no further automatic transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRolledBack:
		return true
	default:
		return false
	}
}

// classifyStackStatus maps a remote CloudFormation status onto the driver
// state machine.
func classifyStackStatus(status cftypes.StackStatus) State {
	s := string(status)
	switch {
	case s == string(cftypes.StackStatusCreateComplete),
		s == string(cftypes.StackStatusUpdateComplete):
		return StateSucceeded
	case strings.Contains(s, "ROLLBACK_COMPLETE"):
		// Covers ROLLBACK_COMPLETE and UPDATE_ROLLBACK_COMPLETE: the update
		// was undone, the stack survives in its prior shape.
		return StateRolledBack
	case strings.HasSuffix(s, "_FAILED"):
		return StateFailed
	case strings.HasSuffix(s, "_IN_PROGRESS"):
		return StateInProgress
	default:
		return StateInProgress
	}
}
