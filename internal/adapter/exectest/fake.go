// Package exectest provides a scriptable fake Adapter for tests of the
// worker pool, router, and lifecycle packages, so they can exercise the
// dispatch path without shelling out to any real agent CLI.
package exectest

import (
	"context"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/models"
)

// Fake is a scriptable Adapter implementation. Its zero value builds an
// "echo" command and reports success; tests override BuildCommandFunc and
// ParseOutputFunc as needed to simulate failure, rate limiting, or malformed
// output.
type Fake struct {
	IDValue          string
	Health           adapter.HealthStatus
	Capabilities     adapter.Capabilities
	BuildCommandFunc func(*models.Task) (adapter.Command, error)
	ParseOutputFunc  func(stdout string, exitCode int) (adapter.Result, error)
	EstimateTokensFn func(prompt string) int64
}

// New creates a fake adapter with sensible defaults: healthy, headless
// capable, and a BuildCommand/ParseOutput pair that always succeeds.
func New(id string) *Fake {
	return &Fake{
		IDValue: id,
		Health:  adapter.HealthStatus{Healthy: true, SupportsHeadless: true, Version: "test"},
		Capabilities: adapter.Capabilities{
			Models:           []string{"test-model"},
			SupportsPlanning: true,
			MaxConcurrency:   4,
		},
	}
}

func (f *Fake) ID() string             { return f.IDValue }
func (f *Fake) DisplayName() string    { return f.IDValue }
func (f *Fake) AdapterVersion() string { return "test" }

func (f *Fake) HealthCheck(ctx context.Context) (adapter.HealthStatus, error) {
	return f.Health, nil
}

func (f *Fake) GetCapabilities() adapter.Capabilities {
	return f.Capabilities
}

func (f *Fake) BuildCommand(task *models.Task) (adapter.Command, error) {
	if f.BuildCommandFunc != nil {
		return f.BuildCommandFunc(task)
	}
	return adapter.Command{
		Binary:    "echo",
		Args:      []string{task.Prompt},
		TimeoutMs: 60_000,
	}, nil
}

func (f *Fake) ParseOutput(stdout string, exitCode int) (adapter.Result, error) {
	if f.ParseOutputFunc != nil {
		return f.ParseOutputFunc(stdout, exitCode)
	}
	return adapter.Result{
		Success:      exitCode == 0,
		Output:       stdout,
		ExitCode:     exitCode,
		InputTokens:  10,
		OutputTokens: 10,
	}, nil
}

func (f *Fake) EstimateTokens(prompt string) int64 {
	if f.EstimateTokensFn != nil {
		return f.EstimateTokensFn(prompt)
	}
	return int64(len(prompt) / 4)
}

var _ adapter.Adapter = (*Fake)(nil)
