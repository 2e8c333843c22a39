// Package router implements the routing policy: for each task, decide which
// agent executes it and under which billing mode, given a subscription-
// first-then-API policy, in-memory provider rate-limit state, and any agent
// the task itself pins.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/models"
)

// Candidate is one entry of the routing policy's ordered candidate list.
type Candidate struct {
	AgentID             string
	SubscriptionEnabled bool
	APIEnabled          bool
	Model               string
}

// Policy is the ordered routing policy the router consults for every task.
type Policy struct {
	Candidates      []Candidate
	RateLimitWindow time.Duration
	RateLimitTokens int64 // token budget per provider within RateLimitWindow
}

// Decision is the router's output for one task.
type Decision struct {
	AgentID        string
	BillingMode    models.BillingMode
	CandidateChain []string
	Model          string
	EstimatedCost  float64
	Rationale      string
}

// errUnavailable is returned when no candidate in the policy can serve a
// task (every candidate either doesn't match the pinned agent or is rate
// limited with no API fallback available).
var errUnavailable = fmt.Errorf("router: no candidate available")

// Router is stateless with respect to routing decisions themselves; the
// only state it carries is each provider's in-memory sliding-window token
// usage, which is lost on restart by design (the spec treats rate-limit
// state as ephemeral, not durable).
type Router struct {
	mu       sync.Mutex
	policy   Policy
	windows  map[string]*slidingWindow
	pricing  map[string]ModelPricing
	registry *adapter.Registry
}

// New creates a router bound to a fixed routing policy, using the built-in
// pricing table until SetCostModel overrides it.
func New(policy Policy) *Router {
	return &Router{policy: policy, windows: make(map[string]*slidingWindow), pricing: DefaultCostModel()}
}

// SetRegistry wires the adapter registry the router consults for a
// pre-dispatch token estimate (adapter.EstimateTokens) when filling in a
// Decision's EstimatedCost. Routing itself never needed the registry, so
// this is optional wiring done once at startup rather than a New() argument
// every existing caller would otherwise have to thread through.
func (r *Router) SetRegistry(reg *adapter.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry = reg
}

// SetCostModel overrides the pricing table used for estimates.
func (r *Router) SetCostModel(pricing map[string]ModelPricing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pricing = pricing
}

// EstimateCost converts a token count into a dollar estimate for model,
// using the router's pricing table. Exported so the worker pool can turn a
// finished task's actual token counts into CostEntry.EstimatedCost.
func (r *Router) EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return estimateCost(r.pricing, model, inputTokens, outputTokens)
}

// Route picks an agent and billing mode for task, per the candidate-list
// algorithm: skip any candidate that doesn't match a pinned agent, prefer
// subscription billing while under the rate-limit window, fall back to API
// billing, otherwise move to the next candidate.
func (r *Router) Route(task *models.Task) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tried []string

	for _, c := range r.policy.Candidates {
		if task.AgentPref != "" && task.AgentPref != c.AgentID {
			continue
		}
		tried = append(tried, c.AgentID)

		if c.SubscriptionEnabled && r.windowFor(c.AgentID).underLimit() {
			model := firstNonEmpty(task.ModelHint, c.Model)
			return Decision{
				AgentID: c.AgentID, BillingMode: models.BillingSubscription,
				CandidateChain: tried, Model: model,
				EstimatedCost: r.estimatePreDispatchCost(c.AgentID, model, task.Prompt),
				Rationale:     fmt.Sprintf("%s selected: subscription under rate-limit window", c.AgentID),
			}, nil
		}
		if c.APIEnabled {
			model := firstNonEmpty(task.ModelHint, c.Model)
			return Decision{
				AgentID: c.AgentID, BillingMode: models.BillingAPI,
				CandidateChain: tried, Model: model,
				EstimatedCost: r.estimatePreDispatchCost(c.AgentID, model, task.Prompt),
				Rationale:     fmt.Sprintf("%s selected: api fallback", c.AgentID),
			}, nil
		}
	}

	return Decision{CandidateChain: tried, Rationale: "no candidate has capacity"}, errUnavailable
}

// ErrUnavailable reports whether err is the router's unavailable sentinel.
func ErrUnavailable(err error) bool {
	return err == errUnavailable
}

// ReportUsage advances a provider's sliding-window token usage by a finished
// task's actual token count. The worker pool reports every successful run,
// whatever its billing mode.
func (r *Router) ReportUsage(agentID string, tokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowFor(agentID).record(tokens)
}

// estimatePreDispatchCost produces a rough cost estimate for Decision before
// the task has actually run, using the adapter's own prompt-length heuristic
// (adapter.EstimateTokens) for input tokens and assuming a comparable output
// size, since the real output token count isn't known until the subprocess
// exits. Callers must already hold r.mu. Returns 0 if the registry hasn't
// been wired (SetRegistry) or the agent isn't registered.
func (r *Router) estimatePreDispatchCost(agentID, model, prompt string) float64 {
	if r.registry == nil {
		return 0
	}
	ag, ok := r.registry.Get(agentID)
	if !ok {
		return 0
	}
	inputTokens := ag.EstimateTokens(prompt)
	return estimateCost(r.pricing, model, inputTokens, inputTokens)
}

func (r *Router) windowFor(agentID string) *slidingWindow {
	w, ok := r.windows[agentID]
	if !ok {
		w = newSlidingWindow(r.policy.RateLimitWindow, r.policy.RateLimitTokens)
		r.windows[agentID] = w
	}
	return w
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
