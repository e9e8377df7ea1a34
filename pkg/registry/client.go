package registry

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// ValidateRepository checks that repo is a valid registry repository name
// without a tag or digest (the unique tag is appended per build).
func ValidateRepository(repo string) error {
	named, err := reference.ParseNormalizedNamed(repo)
	if err != nil {
		return fmt.Errorf("invalid repository %q: %w", repo, err)
	}
	if !reference.IsNameOnly(named) {
		return fmt.Errorf("repository %q must not include a tag or digest", repo)
	}
	return nil
}

// Reference joins a repository and tag into a pushable reference.
func Reference(repo, tag string) (string, error) {
	if err := ValidateRepository(repo); err != nil {
		return "", err
	}
	if strings.TrimSpace(tag) == "" {
		return "", fmt.Errorf("tag is required")
	}
	named, err := reference.ParseNormalizedNamed(repo)
	if err != nil {
		return "", err
	}
	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return "", fmt.Errorf("invalid tag %q: %w", tag, err)
	}
	return tagged.String(), nil
}
