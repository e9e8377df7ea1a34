// File: internal/orchestrate/events.go
// Brief: Structured run events emitted while a deployment run progresses.

package orchestrate

// RunEventType enumerates structured deployment run events.
//
// These values are persisted in the sqlite run store and consumed by
// `depctl runs` and the console renderer.
type RunEventType string

const (
	RunStarted   RunEventType = "RUN_STARTED"
	RunCompleted RunEventType = "RUN_COMPLETED"

	BuildStarted   RunEventType = "BUILD_STARTED"
	BuildSucceeded RunEventType = "BUILD_SUCCEEDED"
	BuildFailed    RunEventType = "BUILD_FAILED"

	StackRunning   RunEventType = "STACK_RUNNING"
	StackSucceeded RunEventType = "STACK_SUCCEEDED"
	StackNoOp      RunEventType = "STACK_NOOP"
	StackFailed    RunEventType = "STACK_FAILED"
	StackSkipped   RunEventType = "STACK_SKIPPED"

	HookStarted   RunEventType = "HOOK_STARTED"
	HookSucceeded RunEventType = "HOOK_SUCCEEDED"
	HookFailed    RunEventType = "HOOK_FAILED"

	PolicyPassed RunEventType = "POLICY_PASSED"
	PolicyDenied RunEventType = "POLICY_DENIED"
)

type RunEvent struct {
	TS      string    `json:"ts"`
	RunID   string    `json:"runId"`
	Stack   string    `json:"stack,omitempty"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Error   *RunError `json:"error,omitempty"`
}

type RunError struct {
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
}

type RunEventObserver interface {
	ObserveRunEvent(RunEvent)
}

type RunEventObserverFunc func(RunEvent)

func (f RunEventObserverFunc) ObserveRunEvent(ev RunEvent) {
	if f == nil {
		return
	}
	f(ev)
}
