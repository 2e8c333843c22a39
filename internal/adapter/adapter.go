// Package adapter defines the contract every agent integration implements,
// and a registry the router and worker pool use to look agents up by id.
// The orchestration core never talks to an agent CLI directly; it only ever
// goes through this interface.
package adapter

import (
	"context"
	"time"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// HealthStatus is the result of a one-time health probe for an adapter.
type HealthStatus struct {
	Healthy              bool
	Version              string
	CLIPath              string
	DetectedBillingModes []models.BillingMode
	SupportsHeadless     bool
	Error                string
}

// Capabilities describes what an adapter supports, consulted by the router
// when matching task type/model hints against candidates.
type Capabilities struct {
	Models           []string
	SupportsPlanning bool
	MaxConcurrency   int
}

// Command is what buildCommand returns: everything the worker pool needs to
// spawn a subprocess for a task.
type Command struct {
	Binary    string
	Args      []string
	Cwd       string
	Env       []string
	Stdin     string
	TimeoutMs int
}

// Result is what parseOutput returns after a subprocess exits.
type Result struct {
	Success       bool
	Output        string
	ExitCode      int
	InputTokens   int64
	OutputTokens  int64
	ActualCostUSD *float64
	Error         string
}

// Adapter is the contract an agent integration implements. The
// orchestration core interacts with agents only through this interface.
type Adapter interface {
	ID() string
	DisplayName() string
	AdapterVersion() string
	HealthCheck(ctx context.Context) (HealthStatus, error)
	GetCapabilities() Capabilities
	BuildCommand(task *models.Task) (Command, error)
	ParseOutput(stdout string, exitCode int) (Result, error)
	EstimateTokens(prompt string) int64
}

// defaultTimeout is a 30-minute timeout value that nothing reads: when
// BuildCommand leaves TimeoutMs unset, the worker pool applies its
// per-task-type default instead.
const defaultTimeout = 30 * time.Minute
