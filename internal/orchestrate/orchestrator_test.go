package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/example/depctl/internal/build"
	"github.com/example/depctl/internal/converge"
	"github.com/example/depctl/internal/policy"
	"github.com/example/depctl/internal/secretstore"
	"github.com/example/depctl/internal/stack"
)

type fakeDriver struct {
	outputs map[string]stack.Outputs
	fail    map[string]error
	noop    map[string]bool

	order  []string
	params map[string]map[string]string
}

func (d *fakeDriver) Converge(_ context.Context, def *stack.Definition, params map[string]string) (*converge.Result, error) {
	d.order = append(d.order, def.Name)
	if d.params == nil {
		d.params = map[string]map[string]string{}
	}
	d.params[def.Name] = params
	if err := d.fail[def.Name]; err != nil {
		return nil, err
	}
	return &converge.Result{
		Stack:   def.Name,
		State:   converge.StateSucceeded,
		NoOp:    d.noop[def.Name],
		Outputs: d.outputs[def.Name],
	}, nil
}

type fakeBuilder struct {
	refs  map[string]build.ArtifactRef
	fail  map[string]error
	built []string
}

func (b *fakeBuilder) Build(_ context.Context, name string, _ *stack.BuildSpec) (build.ArtifactRef, error) {
	b.built = append(b.built, name)
	if err := b.fail[name]; err != nil {
		return build.ArtifactRef{}, err
	}
	return b.refs[name], nil
}

func makeDef(t *testing.T, name string, deps []string, params map[string]string, index int) *stack.Definition {
	t.Helper()
	parsed := map[string]stack.Parameter{}
	for k, v := range params {
		p, err := stack.ParseParameter(v)
		if err != nil {
			t.Fatalf("parse parameter %s=%s: %v", k, v, err)
		}
		parsed[k] = p
	}
	return &stack.Definition{
		Name:       name,
		DependsOn:  deps,
		Parameters: parsed,
		DeclIndex:  index,
	}
}

func mustPlan(t *testing.T, defs ...*stack.Definition) *stack.Plan {
	t.Helper()
	p, err := stack.Resolve(defs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return p
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	opts.Logger = logr.Discard()
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunFeedsOutputsAndArtifactsForward(t *testing.T) {
	infra := makeDef(t, "infra", nil, nil, 0)
	webapp := makeDef(t, "webapp", nil, map[string]string{
		"VpcId":    "output:infra.VpcId",
		"ImageUrl": "build:webapp",
		"Debug":    "false",
	}, 1)
	webapp.Build = &stack.BuildSpec{Context: ".", Repository: "registry.example.com/web"}

	driver := &fakeDriver{outputs: map[string]stack.Outputs{
		"infra": {"VpcId": "vpc-123"},
	}}
	builder := &fakeBuilder{refs: map[string]build.ArtifactRef{
		"webapp": {Repository: "registry.example.com/web", Tag: "webapp-abc123"},
	}}

	o := newTestOrchestrator(t, Options{Driver: driver, Builder: builder})
	res, err := o.Run(context.Background(), mustPlan(t, infra, webapp))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "succeeded" {
		t.Fatalf("status = %q", res.Status)
	}
	if len(driver.order) != 2 || driver.order[0] != "infra" || driver.order[1] != "webapp" {
		t.Fatalf("converge order = %v", driver.order)
	}
	got := driver.params["webapp"]
	if got["VpcId"] != "vpc-123" {
		t.Fatalf("VpcId = %q", got["VpcId"])
	}
	if got["ImageUrl"] != "registry.example.com/web:webapp-abc123" {
		t.Fatalf("ImageUrl = %q", got["ImageUrl"])
	}
	if got["Debug"] != "false" {
		t.Fatalf("Debug = %q", got["Debug"])
	}
	if res.Outputs["infra"]["VpcId"] != "vpc-123" {
		t.Fatalf("recorded outputs = %v", res.Outputs)
	}
}

func TestRunResolvesSecretsFromEnvProvider(t *testing.T) {
	t.Setenv("PROD_DB_PASSWORD", "hunter2")
	db := makeDef(t, "db", nil, map[string]string{
		"MasterPassword": "secret:prod/db#password",
	}, 0)

	driver := &fakeDriver{}
	secrets, err := secretstore.New(secretstore.Config{})
	if err != nil {
		t.Fatalf("secretstore.New: %v", err)
	}
	o := newTestOrchestrator(t, Options{Driver: driver, Secrets: secrets})
	if _, err := o.Run(context.Background(), mustPlan(t, db)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if driver.params["db"]["MasterPassword"] != "hunter2" {
		t.Fatalf("MasterPassword = %q", driver.params["db"]["MasterPassword"])
	}
}

func TestRunHaltsOnFirstFailureAndSkipsRemaining(t *testing.T) {
	a := makeDef(t, "a", nil, nil, 0)
	b := makeDef(t, "b", []string{"a"}, nil, 1)
	c := makeDef(t, "c", []string{"b"}, nil, 2)

	convErr := &converge.ConvergenceError{Stack: "b", Status: "UPDATE_ROLLBACK_COMPLETE", Reason: "boom"}
	driver := &fakeDriver{
		outputs: map[string]stack.Outputs{"a": {"Id": "a-1"}},
		fail:    map[string]error{"b": convErr},
	}
	o := newTestOrchestrator(t, Options{Driver: driver})
	res, err := o.Run(context.Background(), mustPlan(t, a, b, c))
	if err == nil {
		t.Fatalf("expected error")
	}
	var ce *converge.ConvergenceError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ConvergenceError", err)
	}
	if res.Status != "failed" {
		t.Fatalf("status = %q", res.Status)
	}
	if len(driver.order) != 2 {
		t.Fatalf("converge calls = %v, c must not be submitted", driver.order)
	}
	if res.Outputs["a"]["Id"] != "a-1" {
		t.Fatalf("outputs for a must survive the failure, got %v", res.Outputs)
	}
	last := res.Attempts[len(res.Attempts)-1]
	if last.Stack != "c" || last.State != converge.StatePending {
		t.Fatalf("last attempt = %+v, want pending c", last)
	}
}

func TestRunBuildFailureHaltsBeforeAnyConverge(t *testing.T) {
	app := makeDef(t, "app", nil, map[string]string{"ImageUrl": "build:app"}, 0)
	app.Build = &stack.BuildSpec{Context: ".", Repository: "registry.example.com/app"}

	driver := &fakeDriver{}
	builder := &fakeBuilder{fail: map[string]error{
		"app": &build.BuildError{Name: "app", Err: fmt.Errorf("compile failed"), Diagnostics: "step 3 failed"},
	}}
	o := newTestOrchestrator(t, Options{Driver: driver, Builder: builder})
	res, err := o.Run(context.Background(), mustPlan(t, app))
	if err == nil {
		t.Fatalf("expected error")
	}
	var be *build.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want BuildError", err)
	}
	if len(driver.order) != 0 {
		t.Fatalf("no stack may be submitted after a build failure, got %v", driver.order)
	}
	if res.Status != "failed" {
		t.Fatalf("status = %q", res.Status)
	}
}

func TestRunEmitsNoOpEvent(t *testing.T) {
	a := makeDef(t, "a", nil, nil, 0)
	driver := &fakeDriver{noop: map[string]bool{"a": true}, outputs: map[string]stack.Outputs{"a": {"Id": "x"}}}

	var events []RunEvent
	o := newTestOrchestrator(t, Options{
		Driver:    driver,
		Observers: []RunEventObserver{RunEventObserverFunc(func(ev RunEvent) { events = append(events, ev) })},
	})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == string(StackNoOp) && ev.Stack == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing STACK_NOOP event in %v", events)
	}
}

func TestRunHooks(t *testing.T) {
	dir := t.TempDir()
	a := makeDef(t, "a", nil, nil, 0)
	a.Dir = dir
	a.Hooks = stack.Hooks{
		PreDeploy:  []string{"touch pre.txt"},
		PostDeploy: []string{"touch post.txt"},
	}
	driver := &fakeDriver{}
	o := newTestOrchestrator(t, Options{Driver: driver})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"pre.txt", "post.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("hook artifact %s missing: %v", name, err)
		}
	}
}

func TestRunFailingPreHookBlocksConverge(t *testing.T) {
	a := makeDef(t, "a", nil, nil, 0)
	a.Dir = t.TempDir()
	a.Hooks = stack.Hooks{PreDeploy: []string{"false"}}
	driver := &fakeDriver{}
	o := newTestOrchestrator(t, Options{Driver: driver})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err == nil {
		t.Fatalf("expected hook failure")
	}
	if len(driver.order) != 0 {
		t.Fatalf("stack must not converge after pre hook failure, got %v", driver.order)
	}
}

func TestRunPolicyDenyBlocksStack(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "template.yaml")
	if err := os.WriteFile(tmplPath, []byte("Resources:\n  Admin:\n    Type: AWS::IAM::User\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package depctl.deploy

deny[msg] {
  input.template.Resources[name].Type == "AWS::IAM::User"
  msg := "inline IAM users are not allowed"
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}

	a := makeDef(t, "a", nil, nil, 0)
	a.TemplatePath = tmplPath
	driver := &fakeDriver{}
	o := newTestOrchestrator(t, Options{
		Driver:       driver,
		PolicyBundle: &policy.Bundle{Dir: dir},
		PolicyMode:   policy.ModeEnforce,
	})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err == nil {
		t.Fatalf("expected policy denial")
	}
	if len(driver.order) != 0 {
		t.Fatalf("denied stack must not converge, got %v", driver.order)
	}

	// Warn mode reports but does not block.
	driver = &fakeDriver{}
	o = newTestOrchestrator(t, Options{
		Driver:       driver,
		PolicyBundle: &policy.Bundle{Dir: dir},
		PolicyMode:   policy.ModeWarn,
	})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err != nil {
		t.Fatalf("Run in warn mode: %v", err)
	}
	if len(driver.order) != 1 {
		t.Fatalf("warn mode must still converge, got %v", driver.order)
	}
}

func TestRunCancelledStatus(t *testing.T) {
	a := makeDef(t, "a", nil, nil, 0)
	driver := &fakeDriver{fail: map[string]error{"a": context.Canceled}}
	o := newTestOrchestrator(t, Options{Driver: driver})
	res, err := o.Run(context.Background(), mustPlan(t, a))
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", res.Status)
	}
}

func TestRunPersistsSummary(t *testing.T) {
	root := t.TempDir()
	store, err := OpenStore(root, false)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	a := makeDef(t, "a", nil, nil, 0)
	b := makeDef(t, "b", []string{"a"}, nil, 1)
	driver := &fakeDriver{
		outputs: map[string]stack.Outputs{"a": {"Id": "a-1"}},
		fail:    map[string]error{"b": &converge.ConvergenceError{Stack: "b", Status: "CREATE_FAILED", Reason: "nope"}},
	}
	o := newTestOrchestrator(t, Options{Driver: driver, Store: store, Root: root, Profile: "default"})
	res, err := o.Run(context.Background(), mustPlan(t, a, b))
	if err == nil {
		t.Fatalf("expected error")
	}

	summary, err := store.GetRunSummary(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if summary.Status != "failed" {
		t.Fatalf("summary status = %q", summary.Status)
	}
	if summary.Stacks["a"].Status != "succeeded" {
		t.Fatalf("stack a = %+v", summary.Stacks["a"])
	}
	if summary.Stacks["b"].Status != "failed" || summary.Stacks["b"].Error == "" {
		t.Fatalf("stack b = %+v", summary.Stacks["b"])
	}
	if summary.Totals.Succeeded != 1 || summary.Totals.Failed != 1 {
		t.Fatalf("totals = %+v", summary.Totals)
	}

	events, err := store.ListEvents(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected persisted events")
	}
	if events[0].Type != string(RunStarted) {
		t.Fatalf("first event = %q", events[0].Type)
	}
	if events[len(events)-1].Type != string(RunCompleted) {
		t.Fatalf("last event = %q", events[len(events)-1].Type)
	}
}

func TestErrorClass(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.Canceled, "cancelled"},
		{&build.BuildError{Name: "x", Err: fmt.Errorf("boom")}, "build"},
		{&converge.TimeoutError{Stack: "x"}, "timeout"},
		{&converge.ConvergenceError{Stack: "x"}, "convergence"},
		{fmt.Errorf("wrap: %w", &stack.ReferenceError{Stack: "x"}), "reference"},
		{fmt.Errorf("other"), "error"},
	}
	for _, tc := range cases {
		if got := errorClass(tc.err); got != tc.want {
			t.Fatalf("errorClass(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRunFailingPostHookStillRecordsOutputs(t *testing.T) {
	a := makeDef(t, "a", nil, nil, 0)
	a.Dir = t.TempDir()
	a.Hooks = stack.Hooks{PostDeploy: []string{"false"}}
	driver := &fakeDriver{outputs: map[string]stack.Outputs{"a": {"Id": "a-1"}}}
	o := newTestOrchestrator(t, Options{Driver: driver})
	res, err := o.Run(context.Background(), mustPlan(t, a))
	if err == nil {
		t.Fatalf("expected post hook failure")
	}
	if res.Outputs["a"]["Id"] != "a-1" {
		t.Fatalf("converged outputs lost, got %v", res.Outputs)
	}
}

func TestRunBuildFailureMarkedFailedInSummary(t *testing.T) {
	root := t.TempDir()
	store, err := OpenStore(root, false)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	infra := makeDef(t, "infra", nil, nil, 0)
	webapp := makeDef(t, "webapp", []string{"infra"}, nil, 1)
	webapp.Build = &stack.BuildSpec{Context: ".", Repository: "registry.example.com/web"}

	builder := &fakeBuilder{fail: map[string]error{
		"webapp": &build.BuildError{Name: "webapp", Err: errors.New("exit status 1"), Diagnostics: "compile error"},
	}}
	o := newTestOrchestrator(t, Options{Driver: &fakeDriver{}, Builder: builder, Store: store, Root: root})
	res, runErr := o.Run(context.Background(), mustPlan(t, infra, webapp))
	if runErr == nil {
		t.Fatalf("expected build failure")
	}

	summary, err := store.GetRunSummary(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRunSummary: %v", err)
	}
	if got := summary.Stacks["webapp"].Status; got != "failed" {
		t.Fatalf("webapp status = %q, want failed", got)
	}
	if summary.Stacks["webapp"].Error == "" {
		t.Fatalf("webapp summary should carry the build error")
	}
	if got := summary.Stacks["infra"].Status; got != "skipped" {
		t.Fatalf("infra status = %q, want skipped", got)
	}
	if summary.Totals.Failed != 1 || summary.Totals.Skipped != 1 {
		t.Fatalf("totals = %+v", summary.Totals)
	}
}

func TestRunWritesPolicyReports(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "template.yaml")
	if err := os.WriteFile(tmplPath, []byte("Resources:\n  Bucket:\n    Type: AWS::S3::Bucket\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	reportDir := filepath.Join(dir, "reports")

	a := makeDef(t, "a", nil, nil, 0)
	a.TemplatePath = tmplPath
	o := newTestOrchestrator(t, Options{
		Driver:          &fakeDriver{},
		PolicyBundle:    policy.DefaultBundle(),
		PolicyMode:      policy.ModeEnforce,
		PolicyReportDir: reportDir,
	})
	if _, err := o.Run(context.Background(), mustPlan(t, a)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(reportDir, "a.json"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var rep policy.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Mode != policy.ModeEnforce {
		t.Fatalf("mode = %q", rep.Mode)
	}
}
