// Package worktree implements the git worktree manager: isolates each
// task's changes in its own git worktree and branch, merges completed work
// back into the session's base branch, and reclaims worktrees left behind
// by a crash.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnplanow/substrate-sub008/internal/filelock"
)

// ErrMergeConflict is returned by Merge when the merge leaves unresolved
// conflict markers.
var ErrMergeConflict = errors.New("worktree: merge conflict")

// Info describes one managed worktree.
type Info struct {
	TaskID string
	Path   string
	Branch string
}

// Manager creates, merges, and reclaims git worktrees rooted under a single
// project. Merges into the shared base branch are serialized with a file
// lock, since git forbids two concurrent merges against the same working
// tree.
type Manager struct {
	runner      CommandRunner
	projectDir  string
	worktreeDir string
	baseBranch  string
	mergeLock   *filelock.FileLock
}

// New creates a worktree manager rooted at projectDir, keeping per-task
// worktrees under worktreeDir (created if necessary).
func New(projectDir, worktreeDir, baseBranch string, runner CommandRunner) *Manager {
	if runner == nil {
		runner = &ExecCommandRunner{}
	}
	return &Manager{
		runner:      runner,
		projectDir:  projectDir,
		worktreeDir: worktreeDir,
		baseBranch:  baseBranch,
		mergeLock:   filelock.NewFileLock(filepath.Join(worktreeDir, ".merge.lock")),
	}
}

// VerifyGitVersion confirms the git binary on PATH supports `worktree`
// (git >= 2.5). It does not parse an exact version; `git worktree list`
// failing with "unknown command" is the practical signal older gits give.
func (m *Manager) VerifyGitVersion(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, m.projectDir, "worktree", "list"); err != nil {
		return fmt.Errorf("git worktree support unavailable: %w", err)
	}
	return nil
}

// branchName derives a per-task branch name.
func branchName(taskID string) string {
	return fmt.Sprintf("substrate/task-%s", taskID)
}

// CreateWorktree creates a new worktree and branch for a task, based on the
// session's base branch. sessionID is accepted for parity with the rest of
// the manager's API (and future multi-session layouts) but does not appear
// in the branch or path, matching the single-session worktree layout.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID, taskID string) (*Info, error) {
	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}

	branch := branchName(taskID)
	path := filepath.Join(m.worktreeDir, taskID)

	if _, err := m.runner.Run(ctx, m.projectDir, "worktree", "add", "-b", branch, path, m.baseBranch); err != nil {
		return nil, fmt.Errorf("create worktree for task %s: %w", taskID, err)
	}

	return &Info{TaskID: taskID, Path: path, Branch: branch}, nil
}

// DetectConflicts reports the paths with unmerged changes in a worktree,
// via `git diff --name-only --diff-filter=U`. An empty, non-nil slice means
// no conflicts.
func (m *Manager) DetectConflicts(ctx context.Context, wt *Info) ([]string, error) {
	out, err := m.runner.Run(ctx, wt.Path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("detect conflicts in %s: %w", wt.Path, err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// Merge merges a completed task's branch into the session's base branch.
// Merges are serialized across the whole project with a file lock, since
// git only supports one merge at a time against a given working tree.
func (m *Manager) Merge(ctx context.Context, wt *Info) error {
	if err := m.mergeLock.Lock(); err != nil {
		return fmt.Errorf("acquire merge lock: %w", err)
	}
	defer m.mergeLock.Unlock()

	if _, err := m.runner.Run(ctx, m.projectDir, "checkout", m.baseBranch); err != nil {
		return fmt.Errorf("checkout base branch %s: %w", m.baseBranch, err)
	}

	if _, err := m.runner.Run(ctx, m.projectDir, "merge", "--no-ff", wt.Branch); err != nil {
		conflicts, detectErr := m.DetectConflicts(ctx, &Info{Path: m.projectDir})
		if detectErr == nil && len(conflicts) > 0 {
			if _, abortErr := m.runner.Run(ctx, m.projectDir, "merge", "--abort"); abortErr != nil {
				return fmt.Errorf("%w: abort also failed: %v", ErrMergeConflict, abortErr)
			}
			return fmt.Errorf("%w: %v", ErrMergeConflict, conflicts)
		}
		return fmt.Errorf("merge branch %s: %w", wt.Branch, err)
	}

	return nil
}

// CleanupWorktree removes a task's worktree and its branch. Safe to call
// after either a successful merge or a terminal task failure, and idempotent:
// calling it twice on the same Info is a no-op the second time, since a
// directory that's already gone means there's nothing left to remove.
func (m *Manager) CleanupWorktree(ctx context.Context, wt *Info) error {
	if _, err := os.Stat(wt.Path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := m.runner.Run(ctx, m.projectDir, "worktree", "remove", "--force", wt.Path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", wt.Path, err)
	}
	if _, err := m.runner.Run(ctx, m.projectDir, "branch", "-D", wt.Branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", wt.Branch, err)
	}
	return nil
}

// ListWorktrees lists every worktree git currently knows about under the
// managed project, parsed from `git worktree list --porcelain`.
func (m *Manager) ListWorktrees(ctx context.Context) ([]Info, error) {
	out, err := m.runner.Run(ctx, m.projectDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var infos []Info
	var cur Info
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				infos = append(infos, cur)
			}
			cur = Info{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		infos = append(infos, cur)
	}

	for i := range infos {
		infos[i].TaskID = filepath.Base(infos[i].Path)
	}
	return infos, nil
}

// CleanupAllWorktrees removes managed worktrees under worktreeDir, used by
// crash recovery on startup to reclaim anything orphaned by an unclean
// shutdown. inUse is consulted per task id; a true return keeps that
// worktree in place (its task still legitimately owns it). A nil inUse
// removes everything.
func (m *Manager) CleanupAllWorktrees(ctx context.Context, inUse func(taskID string) bool) (int, error) {
	all, err := m.ListWorktrees(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var firstErr error
	for _, wt := range all {
		if !strings.HasPrefix(wt.Path, m.worktreeDir) {
			continue // the project's own checkout, never touch it
		}
		if inUse != nil && inUse(wt.TaskID) {
			continue
		}
		if err := m.CleanupWorktree(ctx, &wt); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
