// File: internal/converge/driver.go
// Brief: Create/update submission and polling until a terminal state.

package converge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/go-logr/logr"

	"github.com/example/depctl/internal/stack"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 30 * time.Minute
)

type Driver struct {
	api API
	log logr.Logger

	pollInterval time.Duration
	maxWait      time.Duration

	// now/sleep are injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

type DriverOptions struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       logr.Logger
}

func NewDriver(api API, opts DriverOptions) *Driver {
	d := &Driver{
		api:          api,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.maxWait <= 0 {
		d.maxWait = DefaultMaxWait
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result reports one stack's convergence.
type Result struct {
	Stack   string
	State   State
	NoOp    bool
	Outputs stack.Outputs
}

// Converge drives the remote stack to match the definition's template and
// the given resolved parameters. Create when the stack is absent, otherwise
// update via changeset; an empty changeset is a successful no-op. Returns
// the recorded outputs on success.
//
// Cancellation stops polling promptly and never mutates remote state.
func (d *Driver) Converge(ctx context.Context, def *stack.Definition, params map[string]string) (*Result, error) {
	body, err := os.ReadFile(def.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("read template for stack %s: %w", def.Name, err)
	}

	exists, _, err := d.describe(ctx, def.Name)
	if err != nil {
		return nil, err
	}

	changeSetType := cftypes.ChangeSetTypeUpdate
	if !exists {
		changeSetType = cftypes.ChangeSetTypeCreate
	}
	changeSetName := fmt.Sprintf("depctl-%d", d.now().UTC().UnixNano())

	d.log.Info("submitting changeset", "stack", def.Name, "type", string(changeSetType), "changeset", changeSetName)
	if _, err := d.api.CreateChangeSet(ctx, &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(def.Name),
		ChangeSetName: aws.String(changeSetName),
		ChangeSetType: changeSetType,
		TemplateBody:  aws.String(string(body)),
		Parameters:    toParameters(params),
		Capabilities:  toCapabilities(def.Capabilities),
		Tags:          toTags(def.Tags),
	}); err != nil {
		return nil, fmt.Errorf("create changeset for stack %s: %w", def.Name, err)
	}

	ready, noop, err := d.waitForChangeSet(ctx, def.Name, changeSetName)
	if err != nil {
		return nil, err
	}
	if noop {
		// Nothing to apply. Discard the empty changeset and treat the stack
		// as already converged (idempotent re-run).
		_, _ = d.api.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
			StackName:     aws.String(def.Name),
			ChangeSetName: aws.String(changeSetName),
		})
		outs, err := d.outputs(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		d.log.Info("no changes, stack already converged", "stack", def.Name)
		return &Result{Stack: def.Name, State: StateSucceeded, NoOp: true, Outputs: outs}, nil
	}
	if !ready {
		return nil, &ConvergenceError{Stack: def.Name, Status: "CHANGESET_FAILED", Reason: "changeset did not become executable"}
	}

	if _, err := d.api.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(def.Name),
		ChangeSetName: aws.String(changeSetName),
	}); err != nil {
		return nil, fmt.Errorf("execute changeset for stack %s: %w", def.Name, err)
	}

	return d.waitForStack(ctx, def.Name)
}

func (d *Driver) describe(ctx context.Context, name string) (bool, *cftypes.Stack, error) {
	out, err := d.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if stackMissing(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("describe stack %s: %w", name, err)
	}
	if len(out.Stacks) == 0 {
		return false, nil, nil
	}
	return true, &out.Stacks[0], nil
}

// stackMissing matches the ValidationError CloudFormation returns when a
// stack name does not exist.
func stackMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}

func (d *Driver) waitForChangeSet(ctx context.Context, stackName, changeSetName string) (ready bool, noop bool, err error) {
	deadline := d.now().Add(d.maxWait)
	for {
		out, err := d.api.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(stackName),
			ChangeSetName: aws.String(changeSetName),
		})
		if err != nil {
			return false, false, fmt.Errorf("describe changeset for stack %s: %w", stackName, err)
		}
		switch out.Status {
		case cftypes.ChangeSetStatusCreateComplete:
			return true, false, nil
		case cftypes.ChangeSetStatusFailed:
			reason := aws.ToString(out.StatusReason)
			if emptyChangeSetReason(reason) {
				return false, true, nil
			}
			return false, false, &ConvergenceError{Stack: stackName, Status: "CHANGESET_FAILED", Reason: reason}
		}
		if !d.now().Before(deadline) {
			return false, false, &TimeoutError{Stack: stackName, Wait: d.maxWait, LastStatus: string(out.Status)}
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return false, false, err
		}
	}
}

func emptyChangeSetReason(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "didn't contain changes") ||
		strings.Contains(lower, "no updates are to be performed")
}

func (d *Driver) waitForStack(ctx context.Context, name string) (*Result, error) {
	deadline := d.now().Add(d.maxWait)
	lastStatus := ""
	for {
		exists, remote, err := d.describe(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, &ConvergenceError{Stack: name, Status: "MISSING", Reason: "stack disappeared while converging"}
		}
		lastStatus = string(remote.StackStatus)
		switch state := classifyStackStatus(remote.StackStatus); state {
		case StateSucceeded:
			outs := extractOutputs(remote)
			d.log.Info("stack converged", "stack", name, "status", lastStatus, "outputs", len(outs))
			return &Result{Stack: name, State: StateSucceeded, Outputs: outs}, nil
		case StateFailed, StateRolledBack:
			return nil, &ConvergenceError{
				Stack:  name,
				Status: lastStatus,
				Reason: aws.ToString(remote.StackStatusReason),
			}
		}
		if !d.now().Before(deadline) {
			return nil, &TimeoutError{Stack: name, Wait: d.maxWait, LastStatus: lastStatus}
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Status reports the remote stack's current status string and its
// classified state. exists is false when the stack has never been created.
func (d *Driver) Status(ctx context.Context, name string) (exists bool, status string, state State, err error) {
	exists, remote, err := d.describe(ctx, name)
	if err != nil || !exists {
		return exists, "", StatePending, err
	}
	status = string(remote.StackStatus)
	return true, status, classifyStackStatus(remote.StackStatus), nil
}

// Outputs reads the remote stack's recorded outputs without mutating it.
func (d *Driver) Outputs(ctx context.Context, name string) (stack.Outputs, error) {
	return d.outputs(ctx, name)
}

func (d *Driver) outputs(ctx context.Context, name string) (stack.Outputs, error) {
	exists, remote, err := d.describe(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &ConvergenceError{Stack: name, Status: "MISSING", Reason: "stack not found while reading outputs"}
	}
	return extractOutputs(remote), nil
}

func extractOutputs(remote *cftypes.Stack) stack.Outputs {
	outs := stack.Outputs{}
	for _, o := range remote.Outputs {
		outs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return outs
}

func toParameters(params map[string]string) []cftypes.Parameter {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cftypes.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, cftypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return out
}

func toCapabilities(caps []string) []cftypes.Capability {
	out := make([]cftypes.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, cftypes.Capability(c))
	}
	return out
}

func toTags(tags map[string]string) []cftypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cftypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cftypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// IsCancelled reports whether err is a context cancellation rather than a
// provider failure. The run result surfaces it as Cancelled: the in-flight
// stack keeps converging remotely and a later run resumes idempotently.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
