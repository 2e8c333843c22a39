package worktree

import (
	"context"
	"fmt"
	"os/exec"
)

// CommandRunner abstracts git invocation for testability, mirroring the
// teacher's CommandRunner contract used by its preflight and checkpointer
// code.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (output string, err error)
}

// ExecCommandRunner runs git via exec.CommandContext.
type ExecCommandRunner struct {
	GitBinary string // defaults to "git" when empty
}

// Run shells out to git with args, in dir, and returns combined output.
func (r *ExecCommandRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := r.GitBinary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %v: %w: %s", bin, args, err, string(out))
	}
	return string(out), nil
}
