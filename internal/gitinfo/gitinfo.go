// gitinfo.go reads Git metadata used to derive artifact tags.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Head returns the current commit hash and whether the worktree is dirty.
func Head(ctx context.Context) (commit string, dirty bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", false, err
	}
	commit = strings.TrimSpace(string(output))
	statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	statusOut, err := statusCmd.Output()
	if err != nil {
		return commit, false, fmt.Errorf("git status: %w", err)
	}
	dirty = len(strings.TrimSpace(string(statusOut))) > 0
	return commit, dirty, nil
}

// ShortHead returns the abbreviated commit with a -dirty marker, or "" when
// no repository is available.
func ShortHead(ctx context.Context) string {
	commit, dirty, err := Head(ctx)
	if err != nil || len(commit) < 7 {
		return ""
	}
	if dirty {
		return commit[:7] + "-dirty"
	}
	return commit[:7]
}
