package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and returns a scripted response per
// git subcommand, mirroring the teacher's injectable CommandRunner test
// doubles.
type fakeRunner struct {
	calls     []string
	responses map[string]string
	errors    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]string), errors: make(map[string]error)}
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errors[key]; ok {
		return f.responses[key], err
	}
	return f.responses[key], nil
}

func TestCreateWorktreeInvokesGitWorktreeAdd(t *testing.T) {
	runner := newFakeRunner()
	m := New("/proj", "/proj/.worktrees", "main", runner)

	wt, err := m.CreateWorktree(context.Background(), "sess1", "task-a")
	require.NoError(t, err)
	assert.Equal(t, "substrate/task-task-a", wt.Branch)
	assert.Contains(t, runner.calls[0], "worktree add -b substrate/task-task-a")
}

func TestDetectConflictsParsesNameOnlyOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["diff --name-only --diff-filter=U"] = "a.go\nb.go\n"
	m := New("/proj", "/proj/.worktrees", "main", runner)

	conflicts, err := m.DetectConflicts(context.Background(), &Info{Path: "/proj/.worktrees/task-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, conflicts)
}

func TestDetectConflictsEmptyWhenClean(t *testing.T) {
	runner := newFakeRunner()
	m := New("/proj", "/proj/.worktrees", "main", runner)

	conflicts, err := m.DetectConflicts(context.Background(), &Info{Path: "/proj/.worktrees/task-a"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestListWorktreesParsesPorcelainOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["worktree list --porcelain"] = "worktree /proj\nbranch refs/heads/main\n\nworktree /proj/.worktrees/task-a\nbranch refs/heads/substrate/task-task-a\n"
	m := New("/proj", "/proj/.worktrees", "main", runner)

	list, err := m.ListWorktrees(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "main", list[0].Branch)
	assert.Equal(t, "substrate/task-task-a", list[1].Branch)
}

func TestCleanupAllWorktreesKeepsTasksStillInUse(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["worktree list --porcelain"] = "worktree /proj\nbranch refs/heads/main\n\nworktree /proj/.worktrees/task-a\nbranch refs/heads/substrate/task-task-a\n\nworktree /proj/.worktrees/task-b\nbranch refs/heads/substrate/task-task-b\n"
	m := New("/proj", "/proj/.worktrees", "main", runner)

	removed, err := m.CleanupAllWorktrees(context.Background(), func(taskID string) bool {
		return taskID == "task-a" // still running: its worktree stays
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for _, call := range runner.calls {
		assert.NotContains(t, call, "task-a", "in-use worktree must not be touched: %s", call)
	}
}

func TestCleanupWorktreeRemovesWorktreeAndBranch(t *testing.T) {
	runner := newFakeRunner()
	root := t.TempDir()
	path := filepath.Join(root, ".worktrees", "task-a")
	require.NoError(t, os.MkdirAll(path, 0o755))
	m := New(root, filepath.Join(root, ".worktrees"), "main", runner)

	err := m.CleanupWorktree(context.Background(), &Info{Path: path, Branch: "substrate/task-task-a"})
	require.NoError(t, err)
	assert.Contains(t, runner.calls[0], "worktree remove --force")
	assert.Contains(t, runner.calls[1], "branch -D substrate/task-task-a")
}
