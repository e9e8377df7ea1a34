package stack

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeDeployFixture(t *testing.T, root string) string {
	t.Helper()
	writeFile(t, filepath.Join(root, "infra.yaml"), "Resources: {}\n")
	writeFile(t, filepath.Join(root, "webapp.yaml"), "Resources: {}\n")
	path := filepath.Join(root, "deploy.yaml")
	writeFile(t, path, `
apiVersion: depctl.dev/v1
kind: Deployment
name: demo
defaults:
  region: us-east-1
  capabilities: [CAPABILITY_IAM]
  tags:
    team: platform
profiles:
  production:
    defaults:
      region: eu-west-1
      tags:
        env: prod
stacks:
  - name: infra
    template: infra.yaml
    parameters:
      EnvironmentName: demo
  - name: webapp
    template: webapp.yaml
    dependsOn: [infra]
    build:
      context: ./app
      repository: registry.example.com/demo/webapp
    parameters:
      ImageUrl: build:webapp
      VpcId: output:infra.VpcId
`)
	writeFile(t, filepath.Join(root, "app", "Dockerfile"), "FROM scratch\n")
	return path
}

func TestLoadParsesDefinitions(t *testing.T) {
	root := t.TempDir()
	path := writeDeployFixture(t, root)

	defs, err := Load(LoadOptions{Path: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs=%d", len(defs))
	}
	infra, webapp := defs[0], defs[1]
	if infra.Name != "infra" || webapp.Name != "webapp" {
		t.Fatalf("names: %s, %s", infra.Name, webapp.Name)
	}
	if infra.DeclIndex != 0 || webapp.DeclIndex != 1 {
		t.Fatalf("decl indices: %d, %d", infra.DeclIndex, webapp.DeclIndex)
	}
	if infra.Region != "us-east-1" {
		t.Fatalf("region=%q", infra.Region)
	}
	if len(infra.Capabilities) != 1 || infra.Capabilities[0] != "CAPABILITY_IAM" {
		t.Fatalf("capabilities=%v", infra.Capabilities)
	}
	if infra.Tags["team"] != "platform" {
		t.Fatalf("tags=%v", infra.Tags)
	}
	if webapp.Build == nil || webapp.Build.Repository != "registry.example.com/demo/webapp" {
		t.Fatalf("build=%+v", webapp.Build)
	}
	if !filepath.IsAbs(webapp.Build.Context) {
		t.Fatalf("build context not absolute: %s", webapp.Build.Context)
	}
	if p := webapp.Parameters["ImageUrl"]; p.Kind != ParameterBuild || p.Build != "webapp" {
		t.Fatalf("ImageUrl=%+v", p)
	}
	if p := webapp.Parameters["VpcId"]; p.Kind != ParameterOutput || p.Stack != "infra" || p.Output != "VpcId" {
		t.Fatalf("VpcId=%+v", p)
	}
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	path := writeDeployFixture(t, root)

	defs, err := Load(LoadOptions{Path: path, Profile: "production"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs[0].Region != "eu-west-1" {
		t.Fatalf("region=%q", defs[0].Region)
	}
	if defs[0].Tags["env"] != "prod" || defs[0].Tags["team"] != "platform" {
		t.Fatalf("tags=%v", defs[0].Tags)
	}
}

func TestLoadUnknownProfileFails(t *testing.T) {
	root := t.TempDir()
	path := writeDeployFixture(t, root)
	if _, err := Load(LoadOptions{Path: path, Profile: "staging"}); err == nil {
		t.Fatalf("expected unknown profile error")
	}
}

func TestLoadMissingTemplateFails(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "deploy.yaml")
	writeFile(t, path, `
apiVersion: depctl.dev/v1
kind: Deployment
stacks:
  - name: infra
    template: nope.yaml
`)
	if _, err := Load(LoadOptions{Path: path}); err == nil {
		t.Fatalf("expected missing template error")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "deploy.yaml")
	writeFile(t, path, `
apiVersion: depctl.dev/v1
kind: Deployment
staks: []
`)
	if _, err := Load(LoadOptions{Path: path}); err == nil {
		t.Fatalf("expected strict decode error")
	}
}
