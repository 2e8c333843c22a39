package lifecycle

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/adapter/exectest"
	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/graphengine"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// fakeRunner scripts git subcommand responses for the worktree manager
// without shelling out, except "worktree add"/"worktree remove", whose
// filesystem effect the worker pool's subprocess spawn depends on.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()
	if len(args) >= 3 && args[0] == "worktree" && args[1] == "add" {
		_ = os.MkdirAll(args[len(args)-2], 0o755)
	}
	if len(args) >= 3 && args[0] == "worktree" && args[1] == "remove" {
		_ = os.RemoveAll(args[len(args)-1])
	}
	return "", nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.WorktreeRoot = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.ReportDir = t.TempDir()
	cfg.SignalPollInterval = 20 * time.Millisecond
	cfg.MaxConcurrency = 2
	cfg.Router.Candidates = []config.RouterCandidate{
		{AgentID: "fake-agent", SubscriptionEnabled: true, APIEnabled: true},
	}
	cfg.Router.RateLimitWindow = time.Hour
	return cfg
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	cfg := testConfig(t)
	registry := adapter.NewRegistry()
	registry.Register(exectest.New("fake-agent"))

	o, err := New(context.Background(), cfg, t.TempDir(), registry, &fakeRunner{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func singleTaskDoc() *graphengine.Document {
	return &graphengine.Document{
		Version: "1",
		Session: graphengine.SessionDoc{Name: "lifecycle test", BaseBranch: "main"},
		Tasks: map[string]graphengine.TaskDoc{
			"t1": {Name: "write it", Prompt: "write something", Type: "coding", Agent: "fake-agent"},
		},
	}
}

func TestBootstrapEmitsOrchestratorReady(t *testing.T) {
	o := newTestOrchestrator(t)

	gotReady := make(chan struct{}, 1)
	o.Bus().Subscribe(bus.KindOrchestratorReady, func(ev bus.Event) {
		gotReady <- struct{}{}
	})

	require.NoError(t, o.Bootstrap(context.Background()))

	select {
	case <-gotReady:
	default:
		t.Fatal("expected orchestrator:ready to have been emitted")
	}
}

func TestRunSessionCompletesSingleTaskGraph(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.Bootstrap(ctx))

	sessionID, err := o.LoadGraph(ctx, singleTaskDoc(), "inline", map[string]bool{"fake-agent": true})
	require.NoError(t, err)

	session, err := o.RunSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
}

// TestRunSessionDiamondGraphDispatchesEachTaskOnce drives a diamond-shaped
// graph at maxConcurrency=2 and pins down the accounting the simpler
// single-task test can't: graph:complete fires exactly once, every task runs
// exactly once (one cost entry each), and the session's cumulative cost is
// exactly the sum of its cost entries — not a doubled total.
func TestRunSessionDiamondGraphDispatchesEachTaskOnce(t *testing.T) {
	cfg := testConfig(t)

	perTaskCost := 0.05
	ag := exectest.New("fake-agent")
	ag.ParseOutputFunc = func(stdout string, exitCode int) (adapter.Result, error) {
		return adapter.Result{Success: true, Output: stdout, InputTokens: 10, OutputTokens: 10, ActualCostUSD: &perTaskCost}, nil
	}
	registry := adapter.NewRegistry()
	registry.Register(ag)

	o, err := New(context.Background(), cfg, t.TempDir(), registry, &fakeRunner{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	ctx := context.Background()
	require.NoError(t, o.Bootstrap(ctx))

	doc := &graphengine.Document{
		Version: "1",
		Session: graphengine.SessionDoc{Name: "diamond", BaseBranch: "main"},
		Tasks: map[string]graphengine.TaskDoc{
			"a": {Name: "a", Prompt: "do a", Type: "coding"},
			"b": {Name: "b", Prompt: "do b", Type: "coding", DependsOn: []string{"a"}},
			"c": {Name: "c", Prompt: "do c", Type: "coding", DependsOn: []string{"a"}},
			"d": {Name: "d", Prompt: "do d", Type: "coding", DependsOn: []string{"b", "c"}},
		},
	}
	sessionID, err := o.LoadGraph(ctx, doc, "inline", map[string]bool{"fake-agent": true})
	require.NoError(t, err)

	var completeEvents int
	o.Bus().Subscribe(bus.KindGraphComplete, func(ev bus.Event) {
		if ev.SessionID == sessionID {
			completeEvents++
		}
	})

	session, err := o.RunSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.Equal(t, 1, completeEvents)

	tasks, err := store.ListTasks(ctx, o.Store().DB(), sessionID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCompleted, task.Status, "task %s", task.ID)
	}

	// One cost entry per task: a task dispatched twice would show up here.
	entries, err := store.ListCostEntries(ctx, o.Store().DB(), sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var entrySum float64
	for _, e := range entries {
		entrySum += e.EffectiveCost()
	}
	assert.InDelta(t, 4*perTaskCost, entrySum, 1e-9)
	assert.InDelta(t, entrySum, session.CumulativeCost, 1e-9,
		"cumulative cost must equal the sum of cost entries")
}

func TestShutdownIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Bootstrap(ctx))

	sessionID, err := o.LoadGraph(ctx, singleTaskDoc(), "inline", map[string]bool{"fake-agent": true})
	require.NoError(t, err)

	o.mu.Lock()
	o.sessionID = sessionID
	o.mu.Unlock()

	require.NoError(t, o.Shutdown(ctx, "test shutdown"))
	require.NoError(t, o.Shutdown(ctx, "second call is a no-op"))
}

func TestCancelSessionMarksSessionCancelledNotInterrupted(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Bootstrap(ctx))

	sessionID, err := o.LoadGraph(ctx, singleTaskDoc(), "inline", map[string]bool{"fake-agent": true})
	require.NoError(t, err)

	o.mu.Lock()
	o.sessionID = sessionID
	o.mu.Unlock()

	require.NoError(t, o.CancelSession(ctx, "test cancel"))
	// A second call must be a harmless no-op.
	require.NoError(t, o.CancelSession(ctx, "second call"))

	session, err := store.GetSession(ctx, o.store.DB(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, session.Status)
}

func TestFindInterruptedSessionReturnsMostRecent(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	sessionID, err := o.LoadGraph(ctx, singleTaskDoc(), "inline", map[string]bool{"fake-agent": true})
	require.NoError(t, err)
	require.NoError(t, setSessionInterrupted(ctx, o.store, sessionID, "test interruption"))

	found, err := FindInterruptedSession(ctx, o.store)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sessionID, found.ID)
}
