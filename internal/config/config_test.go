package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.Candidates = []RouterCandidate{{AgentID: "claude", APIEnabled: true}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.SignalPollInterval)
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().DBPath, cfg.DBPath)
}

func TestLoadMergesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "substrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrency: 8
db_path: custom.db
router:
  candidates:
    - agent_id: claude
      api_enabled: true
  rate_limit_window: 1h
budget:
  task_cap_usd: 5.0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.Equal(t, time.Hour, cfg.Router.RateLimitWindow)
	assert.Equal(t, 5.0, cfg.Budget.TaskCapUSD)
	require.Len(t, cfg.Router.Candidates, 1)
	assert.Equal(t, "claude", cfg.Router.Candidates[0].AgentID)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-duration.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signal_poll_interval: not-a-duration\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SUBSTRATE_DB_PATH", "/env/state.db")
	t.Setenv("SUBSTRATE_WORKTREE_ROOT", "/env/worktrees")
	t.Setenv("SUBSTRATE_BASE_BRANCH", "develop")
	t.Setenv("SUBSTRATE_LOG_LEVEL", "debug")
	t.Setenv("SUBSTRATE_MAX_CONCURRENCY", "16")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "/env/state.db", cfg.DBPath)
	assert.Equal(t, "/env/worktrees", cfg.WorktreeRoot)
	assert.Equal(t, "develop", cfg.BaseBranch)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.MaxConcurrency)
}

func TestApplyEnvOverridesIgnoresInvalidConcurrency(t *testing.T) {
	t.Setenv("SUBSTRATE_MAX_CONCURRENCY", "not-a-number")
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	assert.Equal(t, 4, cfg.MaxConcurrency)
}

func TestMergeFlagsOnlyOverridesSetValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeFlags(0, "", "/flag/worktrees", "")
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, ".substrate/state.db", cfg.DBPath)
	assert.Equal(t, "/flag/worktrees", cfg.WorktreeRoot)

	cfg.MergeFlags(12, "/flag/state.db", "", "release")
	assert.Equal(t, 12, cfg.MaxConcurrency)
	assert.Equal(t, "/flag/state.db", cfg.DBPath)
	assert.Equal(t, "release", cfg.BaseBranch)
}

func TestValidateRejectsNegativeConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = -1
	cfg.Router.Candidates = []RouterCandidate{{AgentID: "claude"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	cfg.Router.Candidates = []RouterCandidate{{AgentID: "claude"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyCandidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsCandidateMissingAgentID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.Candidates = []RouterCandidate{{AgentID: ""}}
	assert.Error(t, cfg.Validate())
}

func TestTaskDefaultsExactMatch(t *testing.T) {
	cfg := DefaultConfig()
	d := cfg.TaskDefaults("testing")
	assert.Equal(t, cfg.TaskTypeDefaults["testing"], d)
}

func TestTaskDefaultsFamilyFallback(t *testing.T) {
	cfg := DefaultConfig()
	d := cfg.TaskDefaults("coding-backend")
	assert.Equal(t, cfg.TaskTypeDefaults["coding"], d)
}

func TestTaskDefaultsFinalFallback(t *testing.T) {
	cfg := DefaultConfig()
	d := cfg.TaskDefaults("unregistered")
	assert.Equal(t, cfg.TaskTypeDefaults["coding"], d)
}
