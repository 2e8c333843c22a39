package graphengine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	return New(st, b), st, b
}

func loadSimpleGraph(t *testing.T, st *store.Store) string {
	t.Helper()
	doc := &Document{
		Version: "1",
		Session: SessionDoc{Name: "demo", BudgetUSD: 10},
		Tasks: map[string]TaskDoc{
			"a": {Name: "a", Prompt: "do a"},
			"b": {Name: "b", Prompt: "do b", DependsOn: []string{"a"}},
		},
	}
	sessionID, err := Load(context.Background(), st, doc, "test.yaml", nil)
	require.NoError(t, err)
	return sessionID
}

func TestStartExecutionReturnsRootTasks(t *testing.T) {
	e, st, _ := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	ready, err := e.StartExecution(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ready)
}

func TestCompletingTaskUnlocksDependent(t *testing.T) {
	ctx := context.Background()
	e, st, b := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	var sawReadyB bool
	b.Subscribe(bus.KindTaskReady, func(ev bus.Event) {
		if ev.Payload.(bus.TaskReadyPayload).TaskID == "b" {
			sawReadyB = true
		}
	})

	_, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)

	require.NoError(t, e.MarkTaskRunning(ctx, "a", "worker-1"))
	ready, err := e.MarkTaskComplete(ctx, "a", "output", 0.25)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ready)
	require.True(t, sawReadyB)
}

func TestFailTaskRetriesThenTerminates(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newTestEngine(t)

	doc := &Document{
		Version: "1",
		Session: SessionDoc{Name: "demo"},
		Tasks:   map[string]TaskDoc{"a": {Name: "a", Prompt: "do a", MaxRetries: 1}},
	}
	sessionID, err := Load(ctx, st, doc, "test.yaml", nil)
	require.NoError(t, err)

	_, err = e.StartExecution(ctx, sessionID)
	require.NoError(t, err)
	require.NoError(t, e.MarkTaskRunning(ctx, "a", "worker-1"))

	retried, err := e.MarkTaskFailed(ctx, "a", models.FailureNonZeroExit, "exit 1")
	require.NoError(t, err)
	require.True(t, retried)

	require.NoError(t, e.MarkTaskRunning(ctx, "a", "worker-1"))
	retried, err = e.MarkTaskFailed(ctx, "a", models.FailureNonZeroExit, "exit 1 again")
	require.NoError(t, err)
	require.False(t, retried)

	task, err := store.GetTask(ctx, st.DB(), sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, models.TaskFailed, task.Status)
}

func TestGraphCompleteEmittedOnceAllTasksTerminal(t *testing.T) {
	ctx := context.Background()
	e, st, b := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	var completeEvents int
	b.Subscribe(bus.KindGraphComplete, func(bus.Event) { completeEvents++ })

	_, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)

	require.NoError(t, e.MarkTaskRunning(ctx, "a", "w1"))
	ready, err := e.MarkTaskComplete(ctx, "a", "done", 0.1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ready)

	require.NoError(t, e.MarkTaskRunning(ctx, "b", "w1"))
	_, err = e.MarkTaskComplete(ctx, "b", "done", 0.1)
	require.NoError(t, err)

	require.Equal(t, 1, completeEvents)

	session, err := store.GetSession(ctx, st.DB(), sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, session.Status)
}

func TestStartExecutionCompletesZeroTaskGraph(t *testing.T) {
	ctx := context.Background()
	e, st, b := newTestEngine(t)

	doc := &Document{
		Version: "1",
		Session: SessionDoc{Name: "empty"},
		Tasks:   map[string]TaskDoc{},
	}
	sessionID, err := Load(ctx, st, doc, "empty.yaml", nil)
	require.NoError(t, err)

	var completeEvents int
	b.Subscribe(bus.KindGraphComplete, func(bus.Event) { completeEvents++ })

	ready, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)
	require.Empty(t, ready)
	require.Equal(t, 1, completeEvents)

	session, err := store.GetSession(ctx, st.DB(), sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, session.Status)
}

func TestPausedEngineWithholdsReadyEvents(t *testing.T) {
	ctx := context.Background()
	e, st, b := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	var readyEvents []string
	b.Subscribe(bus.KindTaskReady, func(ev bus.Event) {
		readyEvents = append(readyEvents, ev.Payload.(bus.TaskReadyPayload).TaskID)
	})

	_, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, readyEvents)

	require.NoError(t, e.MarkTaskRunning(ctx, "a", "w1"))
	require.NoError(t, e.Pause(ctx))

	// "a" finishing while paused must not announce "b".
	_, err = e.MarkTaskComplete(ctx, "a", "done", 0.1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, readyEvents)

	// Resume re-announces whatever became ready in the meantime.
	ready, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ready)
	require.Equal(t, []string{"a", "b"}, readyEvents)
}

func TestSessionFinalizesCancelledWhenNoTaskFailed(t *testing.T) {
	ctx := context.Background()
	e, st, b := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	var sawCancelled bool
	b.Subscribe(bus.KindSessionCancelled, func(bus.Event) { sawCancelled = true })

	_, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)

	// "a" is cancelled outright, which leaves "b" permanently unreachable
	// (pending, since its only dependency never completed) -- ready and
	// running both empty out once "a" settles, so the session finalizes
	// immediately.
	require.NoError(t, e.MarkTaskCancelled(ctx, "a"))

	session, err := store.GetSession(ctx, st.DB(), sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, session.Status)
	require.True(t, sawCancelled)
}

func TestFinalizeSessionDoesNotClobberAlreadyTerminalSession(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newTestEngine(t)
	sessionID := loadSimpleGraph(t, st)

	_, err := e.StartExecution(ctx, sessionID)
	require.NoError(t, err)

	// Simulate the budget enforcer's terminate-all action landing first,
	// from outside the engine, exactly as internal/workerpool's
	// terminateSession does.
	require.NoError(t, st.Transaction(ctx, func(tx *sql.Tx) error {
		return store.UpdateSessionStatus(ctx, tx, sessionID, models.SessionFailed)
	}))

	require.NoError(t, e.MarkTaskCancelled(ctx, "a"))

	session, err := store.GetSession(ctx, st.DB(), sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionFailed, session.Status)
}
