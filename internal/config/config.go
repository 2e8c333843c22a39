package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterCandidate is one entry of the router's ordered candidate chain.
type RouterCandidate struct {
	AgentID             string `yaml:"agent_id"`
	SubscriptionEnabled bool   `yaml:"subscription_enabled"`
	APIEnabled          bool   `yaml:"api_enabled"`
	Model               string `yaml:"model"`
}

// RouterConfig configures the router's policy.
type RouterConfig struct {
	Candidates         []RouterCandidate `yaml:"candidates"`
	RateLimitWindow    time.Duration     `yaml:"-"`
	RateLimitWindowRaw string            `yaml:"rate_limit_window"`
	RateLimitTokens    int64             `yaml:"rate_limit_tokens"`
}

// BudgetConfig configures the budget enforcer's defaults.
type BudgetConfig struct {
	TaskCapUSD          float64 `yaml:"task_cap_usd"`
	SessionCapUSD       float64 `yaml:"session_cap_usd"`
	WarningThresholdPct int     `yaml:"warning_threshold_pct"`
	IsolatePlanningCost bool    `yaml:"isolate_planning_cost"`
}

// TaskTypeDefaults holds the timeout and turn-limit defaults for one task
// type tag (e.g. "coding", "testing").
type TaskTypeDefaults struct {
	TimeoutMs int `yaml:"timeout_ms"`
	MaxTurns  int `yaml:"max_turns"`
}

// Config is Substrate's full runtime configuration, loaded from defaults,
// then an optional YAML file, then environment variables, in that order of
// increasing precedence.
type Config struct {
	MaxConcurrency        int                         `yaml:"max_concurrency"`
	DBPath                string                      `yaml:"db_path"`
	WorktreeRoot          string                      `yaml:"worktree_root"`
	BaseBranch            string                      `yaml:"base_branch"`
	LogLevel              string                      `yaml:"log_level"`
	LogDir                string                      `yaml:"log_dir"`
	ReportDir             string                      `yaml:"report_dir"`
	SignalPollInterval    time.Duration               `yaml:"-"`
	SignalPollIntervalRaw string                      `yaml:"signal_poll_interval"`
	TaskTypeDefaults      map[string]TaskTypeDefaults `yaml:"task_type_defaults"`
	Budget                BudgetConfig                `yaml:"budget"`
	Router                RouterConfig                `yaml:"router"`
}

// DefaultConfig returns a Config with sensible defaults, matching the
// project layout described in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:        4,
		DBPath:                ".substrate/state.db",
		WorktreeRoot:          ".substrate-worktrees",
		BaseBranch:            "main",
		LogLevel:              "info",
		LogDir:                ".substrate/logs",
		ReportDir:             ".substrate/reports",
		SignalPollInterval:    500 * time.Millisecond,
		SignalPollIntervalRaw: "500ms",
		TaskTypeDefaults: map[string]TaskTypeDefaults{
			"coding":      {TimeoutMs: 20 * 60 * 1000, MaxTurns: 40},
			"testing":     {TimeoutMs: 15 * 60 * 1000, MaxTurns: 30},
			"debugging":   {TimeoutMs: 20 * 60 * 1000, MaxTurns: 40},
			"refactoring": {TimeoutMs: 20 * 60 * 1000, MaxTurns: 40},
			"docs":        {TimeoutMs: 10 * 60 * 1000, MaxTurns: 20},
		},
		Budget: BudgetConfig{
			WarningThresholdPct: 80,
			// Planning cost stays out of the session cap unless the operator
			// opts it in.
			IsolatePlanningCost: true,
		},
		Router: RouterConfig{
			RateLimitWindow:    5 * time.Hour,
			RateLimitWindowRaw: "5h",
			RateLimitTokens:    0,
		},
	}
}

// Load reads defaults, merges a YAML file at path if it exists, then applies
// environment variable overrides. A missing file is not an error, matching
// the teacher's LoadConfig behavior for an absent config file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	if err := resolveDurations(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func resolveDurations(cfg *Config) error {
	if cfg.SignalPollIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.SignalPollIntervalRaw)
		if err != nil {
			return fmt.Errorf("invalid signal_poll_interval %q: %w", cfg.SignalPollIntervalRaw, err)
		}
		cfg.SignalPollInterval = d
	}
	if cfg.Router.RateLimitWindowRaw != "" {
		d, err := time.ParseDuration(cfg.Router.RateLimitWindowRaw)
		if err != nil {
			return fmt.Errorf("invalid router.rate_limit_window %q: %w", cfg.Router.RateLimitWindowRaw, err)
		}
		cfg.Router.RateLimitWindow = d
	}
	return nil
}

// applyEnvOverrides applies SUBSTRATE_* environment variables over whatever
// the file (or defaults) set, matching the teacher's env-override-wins
// convention for its console config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUBSTRATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SUBSTRATE_WORKTREE_ROOT"); v != "" {
		cfg.WorktreeRoot = v
	}
	if v := os.Getenv("SUBSTRATE_BASE_BRANCH"); v != "" {
		cfg.BaseBranch = v
	}
	if v := os.Getenv("SUBSTRATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SUBSTRATE_MAX_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
}

// MergeFlags applies CLI flag overrides on top of file/env configuration.
// Zero values are treated as "flag not set" and left untouched, matching
// the teacher's MergeWithFlags convention.
func (c *Config) MergeFlags(maxConcurrency int, dbPath, worktreeRoot, baseBranch string) {
	if maxConcurrency > 0 {
		c.MaxConcurrency = maxConcurrency
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	if worktreeRoot != "" {
		c.WorktreeRoot = worktreeRoot
	}
	if baseBranch != "" {
		c.BaseBranch = baseBranch
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects negative concurrency, unknown log levels, and a router
// policy with no candidates.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if len(c.Router.Candidates) == 0 {
		return fmt.Errorf("router.candidates must not be empty")
	}
	for _, rc := range c.Router.Candidates {
		if rc.AgentID == "" {
			return fmt.Errorf("router candidate missing agent_id")
		}
	}
	return nil
}

// TaskDefaults looks up the timeout/turn defaults for a task type, falling
// back to the family default when the type is a hyphenated variant (e.g.
// "coding-backend" inherits "coding"'s defaults) and finally to "coding"
// itself if nothing matches.
func (c *Config) TaskDefaults(taskType string) TaskTypeDefaults {
	if d, ok := c.TaskTypeDefaults[taskType]; ok {
		return d
	}
	for family, d := range c.TaskTypeDefaults {
		if hasPrefix(taskType, family) {
			return d
		}
	}
	return c.TaskTypeDefaults["coding"]
}
