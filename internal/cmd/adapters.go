package cmd

import (
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/adapter/exectest"
	"github.com/johnplanow/substrate-sub008/internal/config"
)

// AdapterFactory builds the Adapter for one router candidate's agent id.
// Production adapters (a Claude-CLI-style subprocess driver, etc.) are
// external collaborators that the embedding application supplies; this
// package never constructs one itself. An application that links this CLI
// sets AdapterFactory before calling Execute. Left nil, buildRegistry falls
// back to registering internal/adapter/exectest fakes, which is only useful
// for smoke-testing a task graph end to end without a real agent binary.
var AdapterFactory func(agentID, model string) (adapter.Adapter, error)

// buildRegistry constructs the adapter registry for one router policy,
// using AdapterFactory when set and falling back to exectest fakes
// otherwise.
func buildRegistry(cfg *config.Config) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	for _, c := range cfg.Router.Candidates {
		if AdapterFactory != nil {
			a, err := AdapterFactory(c.AgentID, c.Model)
			if err != nil {
				return nil, fmt.Errorf("build adapter for %q: %w", c.AgentID, err)
			}
			registry.Register(a)
			continue
		}
		registry.Register(exectest.New(c.AgentID))
	}
	return registry, nil
}

// knownAgents derives the set of agent ids the router policy declares, used
// to validate a task graph document's per-task agent preferences.
func knownAgents(cfg *config.Config) map[string]bool {
	out := make(map[string]bool, len(cfg.Router.Candidates))
	for _, c := range cfg.Router.Candidates {
		out[c.AgentID] = true
	}
	return out
}
