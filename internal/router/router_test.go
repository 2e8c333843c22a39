package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

func TestRoutePrefersSubscriptionWhenUnderLimit(t *testing.T) {
	r := New(Policy{
		Candidates: []Candidate{{AgentID: "claude", SubscriptionEnabled: true, APIEnabled: true}},
	})

	decision, err := r.Route(&models.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.BillingSubscription, decision.BillingMode)
	assert.Equal(t, "claude", decision.AgentID)
}

func TestRouteFallsBackToAPIWhenRateLimited(t *testing.T) {
	r := New(Policy{
		Candidates:      []Candidate{{AgentID: "claude", SubscriptionEnabled: true, APIEnabled: true}},
		RateLimitWindow: time.Minute,
		RateLimitTokens: 100,
	})

	r.ReportUsage("claude", 100)

	decision, err := r.Route(&models.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.BillingAPI, decision.BillingMode)
}

func TestRouteSkipsCandidateThatDoesNotMatchPinnedAgent(t *testing.T) {
	r := New(Policy{
		Candidates: []Candidate{
			{AgentID: "codex", SubscriptionEnabled: true, APIEnabled: true},
			{AgentID: "claude", SubscriptionEnabled: true, APIEnabled: true},
		},
	})

	decision, err := r.Route(&models.Task{ID: "t1", AgentPref: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude", decision.AgentID)
	assert.Equal(t, []string{"claude"}, decision.CandidateChain)
}

func TestRouteReturnsUnavailableWhenNoCandidateMatches(t *testing.T) {
	r := New(Policy{
		Candidates: []Candidate{{AgentID: "claude", SubscriptionEnabled: true, APIEnabled: true}},
	})

	_, err := r.Route(&models.Task{ID: "t1", AgentPref: "ghost"})
	require.Error(t, err)
	assert.True(t, ErrUnavailable(err))
}

func TestRouteReturnsUnavailableWhenRateLimitedWithNoAPIFallback(t *testing.T) {
	r := New(Policy{
		Candidates:      []Candidate{{AgentID: "claude", SubscriptionEnabled: true, APIEnabled: false}},
		RateLimitWindow: time.Minute,
		RateLimitTokens: 10,
	})
	r.ReportUsage("claude", 10)

	_, err := r.Route(&models.Task{ID: "t1"})
	require.Error(t, err)
	assert.True(t, ErrUnavailable(err))
}
