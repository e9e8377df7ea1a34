// File: internal/orchestrate/orchestrator.go
// Brief: Sequential deployment run: build artifacts, then converge stacks in
// plan order, feeding recorded outputs forward. Halts at the first failure.

package orchestrate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/example/depctl/internal/build"
	"github.com/example/depctl/internal/converge"
	"github.com/example/depctl/internal/policy"
	"github.com/example/depctl/internal/secretstore"
	"github.com/example/depctl/internal/stack"
)

// Driver converges a single stack. Satisfied by *converge.Driver.
type Driver interface {
	Converge(ctx context.Context, def *stack.Definition, params map[string]string) (*converge.Result, error)
}

// ArtifactBuilder publishes a container image and returns its unique
// reference. Satisfied by *build.Builder.
type ArtifactBuilder interface {
	Build(ctx context.Context, name string, spec *stack.BuildSpec) (build.ArtifactRef, error)
}

const DefaultBuildConcurrency = 4

type Options struct {
	Driver  Driver
	Builder ArtifactBuilder
	Secrets secretstore.Provider

	PolicyBundle *policy.Bundle
	PolicyMode   policy.Mode

	// PolicyReportDir, when set, receives a <stack>.json report for every
	// policy evaluation.
	PolicyReportDir string

	Store     *Store
	Observers []RunEventObserver

	BuildConcurrency int
	Root             string
	Profile          string

	Logger logr.Logger
	Output io.Writer
}

type Orchestrator struct {
	driver  Driver
	builder ArtifactBuilder
	secrets secretstore.Provider

	bundle          *policy.Bundle
	policyMode      policy.Mode
	policyReportDir string

	store     *Store
	observers []RunEventObserver

	buildConcurrency int
	root             string
	profile          string

	log logr.Logger
	out io.Writer
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Driver == nil {
		return nil, errors.New("driver is required")
	}
	o := &Orchestrator{
		driver:           opts.Driver,
		builder:          opts.Builder,
		secrets:          opts.Secrets,
		bundle:           opts.PolicyBundle,
		policyMode:       opts.PolicyMode,
		policyReportDir:  opts.PolicyReportDir,
		store:            opts.Store,
		observers:        append([]RunEventObserver(nil), opts.Observers...),
		buildConcurrency: opts.BuildConcurrency,
		root:             opts.Root,
		profile:          opts.Profile,
		log:              opts.Logger,
		out:              opts.Output,
	}
	if o.buildConcurrency <= 0 {
		o.buildConcurrency = DefaultBuildConcurrency
	}
	if o.policyMode == "" {
		o.policyMode = policy.ModeEnforce
	}
	if o.out == nil {
		o.out = os.Stderr
	}
	return o, nil
}

// Attempt records one stack's outcome within a run, in submission order.
type Attempt struct {
	Stack   string
	State   converge.State
	NoOp    bool
	Outputs stack.Outputs
	Err     error
}

type Result struct {
	RunID  string
	Status string // succeeded, failed, cancelled

	Attempts  []Attempt
	Artifacts map[string]build.ArtifactRef
	Outputs   map[string]stack.Outputs
}

// Run executes the plan: every artifact is built and pushed first, then each
// stack converges in order with its parameters resolved against accumulated
// outputs, built artifacts, and the secret store. The first failure halts
// the run; remaining stacks are reported as skipped and already converged
// stacks keep their recorded outputs.
func (o *Orchestrator) Run(ctx context.Context, p *stack.Plan) (*Result, error) {
	runID := newRunID()
	order := p.Order()

	res := &Result{
		RunID:     runID,
		Status:    "running",
		Artifacts: map[string]build.ArtifactRef{},
		Outputs:   map[string]stack.Outputs{},
	}
	summary := newRunSummary(runID, o.profile, order)

	if o.store != nil {
		if err := o.store.CreateRun(ctx, runID, o.root, o.profile, order); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}
	o.emit(ctx, runID, RunEvent{Type: string(RunStarted), Message: fmt.Sprintf("planned=%d", len(order))})

	if err := o.buildArtifacts(ctx, runID, p, res, summary); err != nil {
		o.failRemaining(ctx, runID, summary, res, order, nil)
		o.finalize(ctx, runID, summary, res, statusForError(err))
		return res, err
	}

	secretFn := o.secretLookup(ctx)
	for i, def := range p.Stacks {
		attempt, err := o.convergeOne(ctx, runID, def, res, secretFn)
		res.Attempts = append(res.Attempts, attempt)
		if err != nil {
			summary.Stacks[def.Name] = StackSummary{Status: "failed", Error: err.Error()}
			summary.Totals.Failed++
			o.failRemaining(ctx, runID, summary, res, order[i+1:], nil)
			o.finalize(ctx, runID, summary, res, statusForError(err))
			return res, err
		}
		summary.Stacks[def.Name] = StackSummary{Status: "succeeded", NoOp: attempt.NoOp}
		summary.Totals.Succeeded++
	}

	o.finalize(ctx, runID, summary, res, "succeeded")
	return res, nil
}

func (o *Orchestrator) buildArtifacts(ctx context.Context, runID string, p *stack.Plan, res *Result, summary *RunSummary) error {
	var specs []*stack.Definition
	for _, def := range p.Stacks {
		if def.Build != nil {
			specs = append(specs, def)
		}
	}
	if len(specs) == 0 {
		return nil
	}
	if o.builder == nil {
		return fmt.Errorf("stack %s declares a build but no builder is configured", specs[0].Name)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.buildConcurrency)
	for _, def := range specs {
		def := def
		g.Go(func() error {
			o.emit(gctx, runID, RunEvent{Stack: def.Name, Type: string(BuildStarted), Message: def.Build.Repository})
			ref, err := o.builder.Build(gctx, def.Name, def.Build)
			if err != nil {
				mu.Lock()
				summary.Stacks[def.Name] = StackSummary{Status: "failed", Error: err.Error()}
				summary.Totals.Failed++
				mu.Unlock()
				o.emit(gctx, runID, RunEvent{Stack: def.Name, Type: string(BuildFailed), Error: runErrorFor(err)})
				return err
			}
			mu.Lock()
			res.Artifacts[def.Name] = ref
			mu.Unlock()
			o.emit(gctx, runID, RunEvent{Stack: def.Name, Type: string(BuildSucceeded), Message: ref.String()})
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) convergeOne(ctx context.Context, runID string, def *stack.Definition, res *Result, secretFn stack.SecretLookup) (Attempt, error) {
	attempt := Attempt{Stack: def.Name, State: converge.StatePending}

	params, err := o.resolveParams(def, res, secretFn)
	if err != nil {
		attempt.State = converge.StateFailed
		attempt.Err = err
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackFailed), Error: runErrorFor(err)})
		return attempt, err
	}

	if err := o.checkPolicy(ctx, runID, def, params); err != nil {
		attempt.State = converge.StateFailed
		attempt.Err = err
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackFailed), Error: runErrorFor(err)})
		return attempt, err
	}

	hookEnv := []string{"DEPCTL_RUN_ID=" + runID, "DEPCTL_STACK=" + def.Name}
	if err := o.runHookPhase(ctx, runID, def, "preDeploy", def.Hooks.PreDeploy, hookEnv); err != nil {
		attempt.State = converge.StateFailed
		attempt.Err = err
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackFailed), Error: runErrorFor(err)})
		return attempt, err
	}

	o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackRunning)})
	cr, err := o.driver.Converge(ctx, def, params)
	if err != nil {
		attempt.State = converge.StateFailed
		attempt.Err = err
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackFailed), Error: runErrorFor(err)})
		return attempt, err
	}
	attempt.State = cr.State
	attempt.NoOp = cr.NoOp
	attempt.Outputs = cr.Outputs
	// Outputs are recorded as soon as convergence succeeds so a failing
	// post hook cannot lose them.
	res.Outputs[def.Name] = cr.Outputs.Clone()
	if cr.NoOp {
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackNoOp)})
	} else {
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackSucceeded), Message: fmt.Sprintf("outputs=%d", len(cr.Outputs))})
	}

	if err := o.runHookPhase(ctx, runID, def, "postDeploy", def.Hooks.PostDeploy, hookEnv); err != nil {
		attempt.Err = err
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(StackFailed), Error: runErrorFor(err)})
		return attempt, err
	}
	return attempt, nil
}

func (o *Orchestrator) resolveParams(def *stack.Definition, res *Result, secretFn stack.SecretLookup) (map[string]string, error) {
	artifacts := map[string]string{}
	for name, ref := range res.Artifacts {
		artifacts[name] = ref.String()
	}
	rc := stack.ResolveContext{
		Outputs:   res.Outputs,
		Artifacts: artifacts,
		Secrets:   secretFn,
	}
	params := map[string]string{}
	for _, name := range def.ParameterNames() {
		v, err := def.Parameters[name].Resolve(rc)
		if err != nil {
			return nil, fmt.Errorf("stack %s parameter %s: %w", def.Name, name, err)
		}
		params[name] = v
	}
	return params, nil
}

func (o *Orchestrator) secretLookup(ctx context.Context) stack.SecretLookup {
	if o.secrets == nil {
		return nil
	}
	return func(path, key string) (string, error) {
		return o.secrets.Lookup(ctx, path, key)
	}
}

func (o *Orchestrator) checkPolicy(ctx context.Context, runID string, def *stack.Definition, params map[string]string) error {
	if o.bundle == nil {
		return nil
	}
	body, err := os.ReadFile(def.TemplatePath)
	if err != nil {
		return fmt.Errorf("read template for stack %s: %w", def.Name, err)
	}
	tmpl, err := policy.ParseTemplate(body)
	if err != nil {
		return fmt.Errorf("stack %s: %w", def.Name, err)
	}
	rep, err := policy.Evaluate(ctx, o.bundle, policy.DeployInput{
		WhenUTC:      time.Now().UTC(),
		Stack:        def.Name,
		Region:       def.Region,
		Template:     tmpl,
		Parameters:   params,
		Tags:         def.Tags,
		Capabilities: def.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("evaluate policy for stack %s: %w", def.Name, err)
	}
	rep.Mode = o.policyMode
	if o.policyReportDir != "" {
		path := filepath.Join(o.policyReportDir, def.Name+".json")
		if werr := policy.WriteReport(path, rep); werr != nil {
			o.log.Error(werr, "write policy report", "stack", def.Name, "path", path)
		}
	}
	for _, w := range rep.Warn {
		o.log.Info("policy warning", "stack", def.Name, "message", w.Message, "code", w.Code)
	}
	if rep.Passed {
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(PolicyPassed)})
		return nil
	}
	first := rep.Deny[0]
	o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(PolicyDenied), Message: first.Message})
	if o.policyMode == policy.ModeWarn {
		o.log.Info("policy denied (warn mode, continuing)", "stack", def.Name, "message", first.Message)
		return nil
	}
	return fmt.Errorf("policy denied stack %s: %s (%d violations)", def.Name, first.Message, rep.DenyCount)
}

func (o *Orchestrator) runHookPhase(ctx context.Context, runID string, def *stack.Definition, phase string, cmds []string, env []string) error {
	if len(cmds) == 0 {
		return nil
	}
	o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(HookStarted), Message: phase})
	if err := runHooks(ctx, def.Dir, env, cmds, o.out); err != nil {
		err = fmt.Errorf("stack %s %s: %w", def.Name, phase, err)
		o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(HookFailed), Message: phase, Error: runErrorFor(err)})
		return err
	}
	o.emit(ctx, runID, RunEvent{Stack: def.Name, Type: string(HookSucceeded), Message: phase})
	return nil
}

func (o *Orchestrator) failRemaining(ctx context.Context, runID string, summary *RunSummary, res *Result, names []string, _ error) {
	for _, name := range names {
		if _, done := res.Outputs[name]; done {
			continue
		}
		if ss, ok := summary.Stacks[name]; ok && ss.Status != "planned" {
			continue
		}
		summary.Stacks[name] = StackSummary{Status: "skipped"}
		summary.Totals.Skipped++
		res.Attempts = append(res.Attempts, Attempt{Stack: name, State: converge.StatePending})
		o.emit(ctx, runID, RunEvent{Stack: name, Type: string(StackSkipped)})
	}
}

func (o *Orchestrator) finalize(ctx context.Context, runID string, summary *RunSummary, res *Result, status string) {
	res.Status = status
	summary.Status = status
	summary.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	o.emit(ctx, runID, RunEvent{Type: string(RunCompleted), Message: status})
	if o.store != nil {
		if err := o.store.WriteSummary(ctx, runID, summary); err != nil {
			o.log.Error(err, "write run summary", "runId", runID)
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, runID string, ev RunEvent) {
	ev.RunID = runID
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	for _, obs := range o.observers {
		obs.ObserveRunEvent(ev)
	}
	if o.store != nil {
		if err := o.store.AppendEvent(ctx, runID, ev); err != nil {
			o.log.Error(err, "append run event", "runId", runID, "type", ev.Type)
		}
	}
}

func newRunSummary(runID, profile string, order []string) *RunSummary {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s := &RunSummary{
		APIVersion: "depctl.dev/run/v1",
		RunID:      runID,
		Status:     "running",
		Profile:    profile,
		StartedAt:  now,
		UpdatedAt:  now,
		Totals:     RunTotals{Planned: len(order)},
		Stacks:     map[string]StackSummary{},
		Order:      order,
	}
	for _, name := range order {
		s.Stacks[name] = StackSummary{Status: "planned"}
	}
	return s
}

func newRunID() string {
	nonce := make([]byte, 4)
	_, _ = rand.Read(nonce)
	return fmt.Sprintf("run-%d-%s", time.Now().UTC().Unix(), hex.EncodeToString(nonce))
}

func statusForError(err error) string {
	if converge.IsCancelled(err) {
		return "cancelled"
	}
	return "failed"
}

// runErrorFor maps an error onto the coarse class persisted with events.
func runErrorFor(err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Class: errorClass(err), Message: err.Error()}
}

func errorClass(err error) string {
	var buildErr *build.BuildError
	var convErr *converge.ConvergenceError
	var timeoutErr *converge.TimeoutError
	var refErr *stack.ReferenceError
	switch {
	case converge.IsCancelled(err):
		return "cancelled"
	case errors.As(err, &buildErr):
		return "build"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &convErr):
		return "convergence"
	case errors.As(err, &refErr):
		return "reference"
	default:
		return "error"
	}
}
