// File: internal/orchestrate/hooks.go
// Brief: Pre/post deploy hook execution.

package orchestrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// runHooks executes hook commands in order, stopping at the first failure.
// Commands are parsed with shellwords and run in dir with extra environment
// entries appended, so hooks see DEPCTL_RUN_ID and DEPCTL_STACK.
func runHooks(ctx context.Context, dir string, env []string, cmds []string, out io.Writer) error {
	for _, raw := range cmds {
		args, err := shellwords.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse hook %q: %w", raw, err)
		}
		if len(args) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdout = out
		cmd.Stderr = out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hook %q: %w", raw, err)
		}
	}
	return nil
}
