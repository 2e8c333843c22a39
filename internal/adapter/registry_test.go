package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/adapter/exectest"
)

func TestRegistryGetAndListPlanningCapable(t *testing.T) {
	reg := adapter.NewRegistry()

	planner := exectest.New("claude")
	reg.Register(planner)

	nonPlanner := exectest.New("codex")
	nonPlanner.Capabilities.SupportsPlanning = false
	reg.Register(nonPlanner)

	got, ok := reg.Get("claude")
	require.True(t, ok)
	assert.Equal(t, "claude", got.ID())

	capable := reg.ListPlanningCapable()
	require.Len(t, capable, 1)
	assert.Equal(t, "claude", capable[0].ID())
}

func TestRegistryMustGetUnknown(t *testing.T) {
	reg := adapter.NewRegistry()
	_, err := reg.MustGet("ghost")
	require.Error(t, err)
}
