package registry

import "testing"

func TestValidateRepository(t *testing.T) {
	for _, repo := range []string{
		"registry.example.com/demo/webapp",
		"123456789012.dkr.ecr.us-east-1.amazonaws.com/webapp",
		"library/nginx",
	} {
		if err := ValidateRepository(repo); err != nil {
			t.Fatalf("validate(%q): %v", repo, err)
		}
	}
	for _, repo := range []string{
		"registry.example.com/demo/webapp:latest",
		"registry.example.com/demo/webapp@sha256:0000000000000000000000000000000000000000000000000000000000000000",
		"UPPER/case",
	} {
		if err := ValidateRepository(repo); err == nil {
			t.Fatalf("validate(%q): expected error", repo)
		}
	}
}

func TestReference(t *testing.T) {
	ref, err := Reference("registry.example.com/demo/webapp", "webapp-abc123")
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ref != "registry.example.com/demo/webapp:webapp-abc123" {
		t.Fatalf("ref=%q", ref)
	}

	if _, err := Reference("registry.example.com/demo/webapp", ""); err == nil {
		t.Fatalf("expected error for empty tag")
	}
	if _, err := Reference("registry.example.com/demo/webapp", "not a tag"); err == nil {
		t.Fatalf("expected error for invalid tag")
	}
}

func TestIsECRRepository(t *testing.T) {
	if !IsECRRepository("123456789012.dkr.ecr.us-east-1.amazonaws.com/webapp") {
		t.Fatalf("expected ECR repository")
	}
	if IsECRRepository("registry.example.com/demo/webapp") {
		t.Fatalf("unexpected ECR repository")
	}
}
