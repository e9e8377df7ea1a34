package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEvaluateDeny(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package depctl.deploy

deny[msg] {
  input.template.Resources[name].Type == "AWS::IAM::User"
  msg := {"code": "NO_IAM_USERS", "message": "inline IAM users are not allowed", "subject": name}
}

warn[msg] {
  not input.tags["team"]
  msg := "stacks should carry a team tag"
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	b := &Bundle{Dir: dir}

	tmpl, err := ParseTemplate([]byte(`{"Resources":{"Admin":{"Type":"AWS::IAM::User"}}}`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	rep, err := Evaluate(context.Background(), b, DeployInput{
		WhenUTC:  time.Now().UTC(),
		Stack:    "infra",
		Template: tmpl,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.Passed {
		t.Fatalf("expected deny to fail the report")
	}
	if rep.DenyCount != 1 {
		t.Fatalf("expected 1 deny, got %d", rep.DenyCount)
	}
	if rep.Deny[0].Code != "NO_IAM_USERS" {
		t.Fatalf("unexpected code %q", rep.Deny[0].Code)
	}
	if rep.Deny[0].Subject != "Admin" {
		t.Fatalf("unexpected subject %q", rep.Deny[0].Subject)
	}
	if rep.WarnCount != 1 {
		t.Fatalf("expected 1 warn, got %d", rep.WarnCount)
	}
}

func TestEvaluatePass(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package depctl.deploy

deny[msg] {
  input.region == "us-east-1"
  msg := "deployments to us-east-1 are frozen"
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	rep, err := Evaluate(context.Background(), &Bundle{Dir: dir}, DeployInput{
		WhenUTC: time.Now().UTC(),
		Stack:   "infra",
		Region:  "eu-west-1",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("expected report to pass, got %+v", rep)
	}
}

func TestEvaluateUsesBundleData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(`
package depctl.deploy

deny[msg] {
  input.data.frozen[_] == input.stack
  msg := "stack is frozen"
}
`), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	b := &Bundle{Dir: dir, Data: map[string]any{"frozen": []any{"infra"}}}
	rep, err := Evaluate(context.Background(), b, DeployInput{Stack: "infra"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.Passed {
		t.Fatalf("expected data-driven deny")
	}
}

func TestParseTemplateYAML(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate([]byte("Resources:\n  Bucket:\n    Type: AWS::S3::Bucket\n"))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	resources, ok := tmpl["Resources"].(map[string]any)
	if !ok {
		t.Fatalf("missing Resources in %v", tmpl)
	}
	if _, ok := resources["Bucket"]; !ok {
		t.Fatalf("missing Bucket resource")
	}
}

func TestLoadBundleDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte("package depctl.deploy\n"), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"hello":"world"}`), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	b, err := LoadBundle(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if b.Dir != dir {
		t.Fatalf("Dir = %q, want %q", b.Dir, dir)
	}
	if b.Data["hello"] != "world" {
		t.Fatalf("Data = %v", b.Data)
	}
}

func TestDefaultBundleDeniesStackDeletion(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate([]byte(`
Resources:
  DeployerPolicy:
    Type: AWS::IAM::Policy
    Properties:
      PolicyName: deployer
      PolicyDocument:
        Version: "2012-10-17"
        Statement:
          - Effect: Allow
            Action:
              - cloudformation:CreateStack
              - cloudformation:DeleteStack
            Resource: "*"
`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	rep, err := Evaluate(context.Background(), DefaultBundle(), DeployInput{
		Stack:    "infra",
		Template: tmpl,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.Passed {
		t.Fatalf("expected deletion grant to be denied, got %+v", rep)
	}
	if rep.Deny[0].Code != "DENY_DELETE" {
		t.Fatalf("unexpected code %q", rep.Deny[0].Code)
	}
	if rep.Deny[0].Subject != "DeployerPolicy" {
		t.Fatalf("unexpected subject %q", rep.Deny[0].Subject)
	}
}

func TestDefaultBundleDeniesWildcardAction(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate([]byte(`
Resources:
  AdminRole:
    Type: AWS::IAM::Role
    Properties:
      Policies:
        - PolicyName: admin
          PolicyDocument:
            Statement:
              - Effect: Allow
                Action: "cloudformation:*"
                Resource: "*"
`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	rep, err := Evaluate(context.Background(), DefaultBundle(), DeployInput{Template: tmpl})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rep.Passed {
		t.Fatalf("expected wildcard grant to be denied")
	}
}

func TestDefaultBundlePassesScopedActions(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate([]byte(`
Resources:
  Bucket:
    Type: AWS::S3::Bucket
  ReaderPolicy:
    Type: AWS::IAM::Policy
    Properties:
      PolicyDocument:
        Statement:
          - Effect: Allow
            Action:
              - cloudformation:DescribeStacks
            Resource: "*"
          - Effect: Deny
            Action: cloudformation:DeleteStack
            Resource: "*"
`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	rep, err := Evaluate(context.Background(), DefaultBundle(), DeployInput{Template: tmpl})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !rep.Passed {
		t.Fatalf("expected scoped template to pass, got %+v", rep.Deny)
	}
}
