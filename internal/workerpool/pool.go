// Package workerpool implements the worker pool: a bounded-concurrency
// dispatch loop that takes ready tasks off the task graph engine, routes
// each to an agent, spawns it through the agent's adapter inside a
// dedicated git worktree, and reports results back to the engine, the
// budget enforcer, and the router.
package workerpool

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/budget"
	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/router"
	"github.com/johnplanow/substrate-sub008/internal/store"
	"github.com/johnplanow/substrate-sub008/internal/worktree"
)

// planningTaskType is the task type tag that routes a task's cost into the
// session's isolated planning-cost bucket.
const planningTaskType = "planning"

// terminationGrace is how long a timed-out or cancelled subprocess gets
// between the graceful termination signal and the force kill.
const terminationGrace = 10 * time.Second

// Engine is the subset of the task graph engine the pool drives tasks
// through.
type Engine interface {
	MarkTaskRunning(ctx context.Context, taskID, workerID string) error
	MarkTaskComplete(ctx context.Context, taskID, output string, costUSD float64) ([]string, error)
	MarkTaskFailed(ctx context.Context, taskID string, kind models.FailureKind, errText string) (bool, error)
	MarkTaskCancelled(ctx context.Context, taskID string) error
}

// Budget is the subset of the budget enforcer the pool consults after a
// task completes, before the completion is allowed to stand.
type Budget interface {
	CheckTaskBudget(ctx context.Context, sessionID, taskID string) (bool, error)
	CheckSessionBudget(ctx context.Context, sessionID string) (bool, error)
}

// Router is the subset of the router the pool consults to pick an agent
// for a task, and reports actual token usage back to once it finishes.
type Router interface {
	Route(task *models.Task) (router.Decision, error)
	ReportUsage(agentID string, tokens int64)
	EstimateCost(model string, inputTokens, outputTokens int64) float64
}

// TaskSource supplies a task's full row before dispatch.
type TaskSource interface {
	GetTask(ctx context.Context, sessionID, taskID string) (*models.Task, error)
}

// Pool dispatches ready tasks with bounded concurrency, one worker per
// concurrent slot.
type Pool struct {
	sessionID string
	engine    Engine
	budget    Budget
	router    Router
	bus       *bus.Bus
	registry  *adapter.Registry
	worktrees *worktree.Manager
	tasks     TaskSource
	store     *store.Store

	taskTimeoutMs func(taskType string) int

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]context.CancelFunc
	// requeue marks a task whose cancellation came from Shutdown rather than
	// CancelSession: the spec distinguishes the two (shutdown leaves a task
	// resumable, a deliberate cancel does not), but both act through the same
	// subprocess cancellation mechanism, so run() consults this map once its
	// context is observed cancelled to pick the right terminal transition.
	requeue map[string]bool
}

// Config configures a new Pool.
type Config struct {
	SessionID      string
	MaxConcurrency int
	Engine         Engine
	Budget         Budget
	Router         Router
	Bus            *bus.Bus
	Registry       *adapter.Registry
	Worktrees      *worktree.Manager
	Tasks          TaskSource
	Store          *store.Store
	// TaskTimeoutMs supplies the per-task-type default timeout applied when
	// an adapter's BuildCommand leaves TimeoutMs unset. Nil means no default.
	TaskTimeoutMs func(taskType string) int
}

// New creates a pool with the given bounded concurrency.
func New(cfg Config) *Pool {
	max := cfg.MaxConcurrency
	if max <= 0 {
		max = 1
	}
	return &Pool{
		sessionID:     cfg.SessionID,
		engine:        cfg.Engine,
		budget:        cfg.Budget,
		router:        cfg.Router,
		bus:           cfg.Bus,
		registry:      cfg.Registry,
		worktrees:     cfg.Worktrees,
		tasks:         cfg.Tasks,
		store:         cfg.Store,
		taskTimeoutMs: cfg.TaskTimeoutMs,
		sem:           make(chan struct{}, max),
		active:        make(map[string]context.CancelFunc),
		requeue:       make(map[string]bool),
	}
}

// Dispatch spawns a worker for taskID and returns immediately; the worker
// goroutine waits for a free concurrency slot before doing any work.
// Dispatch must never block: it is called from bus handlers that run inside
// the task graph engine's critical section, and a blocked handler there
// would hold the very mutex a finishing worker needs to release its slot.
// Callers observe completion through the bus, not Dispatch's return.
func (p *Pool) Dispatch(ctx context.Context, taskID string) {
	p.wg.Add(1)

	workerCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.active[taskID] = cancel
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, taskID)
			p.mu.Unlock()
			cancel()
		}()

		// A task cancelled while still queued for a slot never started; it
		// has no subprocess or worktree to unwind, and whoever cancelled it
		// owns its row transition.
		select {
		case p.sem <- struct{}{}:
		case <-workerCtx.Done():
			return
		}
		defer func() { <-p.sem }()

		p.run(workerCtx, taskID)
	}()
}

// Cancel requests a deliberate, terminal cancellation of a running task's
// subprocess, as issued by a durable cancel signal: the task ends up
// cancelled, not requeued.
func (p *Pool) Cancel(taskID string) {
	p.mu.Lock()
	cancel, ok := p.active[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelForShutdown requests the same subprocess cancellation as Cancel, but
// sends the task through the failure path instead of a terminal
// cancellation: a task with retries left is requeued (running -> pending,
// retry_count incremented), one already at its cap fails. Shutdown relies on
// this to leave in-flight work resumable.
func (p *Pool) CancelForShutdown(taskID string) {
	p.mu.Lock()
	p.requeue[taskID] = true
	cancel, ok := p.active[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every dispatched worker has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, taskID string) {
	task, err := p.tasks.GetTask(ctx, p.sessionID, taskID)
	if err != nil {
		p.fail(ctx, taskID, models.FailureCrash, fmt.Sprintf("load task: %v", err))
		return
	}

	decision, err := p.router.Route(task)
	if err != nil {
		p.fail(ctx, taskID, models.FailureRateLimit, fmt.Sprintf("route task: %v", err))
		return
	}

	ag, err := p.registry.MustGet(decision.AgentID)
	if err != nil {
		p.fail(ctx, taskID, models.FailureCrash, err.Error())
		return
	}

	// The claim comes first, before any worktree exists: MarkTaskRunning is
	// a compare-and-set on pending|ready, so a duplicate dispatch of the
	// same task loses here with no side effects to unwind. Only the winner
	// goes on to acquire the task's exclusive worktree.
	workerID := fmt.Sprintf("%s-%s", decision.AgentID, taskID)
	if err := p.engine.MarkTaskRunning(ctx, taskID, workerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return // lost the claim: another worker owns this task
		}
		p.fail(ctx, taskID, models.FailureCrash, fmt.Sprintf("mark running: %v", err))
		return
	}

	wt, err := p.worktrees.CreateWorktree(ctx, p.sessionID, taskID)
	if err != nil {
		p.fail(ctx, taskID, models.FailureCrash, fmt.Sprintf("create worktree: %v", err))
		return
	}

	// A worktree is an exclusive per-task resource and must be reclaimed on
	// every exit path below, not just the success path. Reclaim happens
	// BEFORE the engine transition on every failure path: a retryable
	// failure re-emits task:ready synchronously, and the replacement worker
	// must never find this attempt's worktree still in place. The success
	// path reclaims explicitly after the merge attempt; the deferred
	// fallback only covers a panic escaping the paths below. Cleanup always
	// uses a background context since the worker's own context may already
	// be cancelled or expired.
	cleaned := false
	reclaim := func() {
		if cleaned {
			return
		}
		cleaned = true
		p.cleanupWorktree(context.Background(), taskID, wt)
	}
	defer reclaim()
	failNow := func(kind models.FailureKind, text string) {
		reclaim()
		p.fail(context.Background(), taskID, kind, text)
	}

	err = p.store.Transaction(ctx, func(tx *sql.Tx) error {
		return store.SetTaskWorktree(ctx, tx, p.sessionID, taskID, wt.Path, wt.Branch)
	})
	if err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("record worktree assignment: %v", err))
		return
	}

	p.bus.Emit(bus.Event{Kind: bus.KindWorkerSpawned, SessionID: p.sessionID, Payload: bus.WorkerPayload{WorkerID: workerID, TaskID: taskID}})
	p.bus.Emit(bus.Event{Kind: bus.KindWorktreeCreated, SessionID: p.sessionID, Payload: bus.WorktreePayload{TaskID: taskID, Path: wt.Path, Branch: wt.Branch}})

	cmd, err := ag.BuildCommand(task)
	if err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("build command: %v", err))
		return
	}
	if cmd.TimeoutMs <= 0 && p.taskTimeoutMs != nil {
		cmd.TimeoutMs = p.taskTimeoutMs(task.Type)
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if cmd.TimeoutMs > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	stdout, stderr, exitCode, runErr := spawn(runCtx, wt.Path, cmd)
	p.bus.Emit(bus.Event{Kind: bus.KindWorkerTerminated, SessionID: p.sessionID, Payload: bus.WorkerPayload{WorkerID: workerID, TaskID: taskID}})

	if runCtx.Err() == context.DeadlineExceeded {
		failNow(models.FailureTimeout, "subprocess exceeded adapter timeout")
		return
	}
	if ctx.Err() == context.Canceled {
		p.mu.Lock()
		shutdownRequeue := p.requeue[taskID]
		delete(p.requeue, taskID)
		p.mu.Unlock()
		reclaim()
		if shutdownRequeue {
			p.fail(context.Background(), taskID, models.FailureShutdown, "orchestrator shutdown: task requeued")
		} else {
			p.engine.MarkTaskCancelled(context.Background(), taskID)
		}
		return
	}

	if runErr != nil {
		if rl := router.ParseRateLimitFromOutput(stdout + stderr); rl != nil {
			failNow(models.FailureRateLimit, rl.RawMessage)
			return
		}
		// spawn only returns an error when the process never produced an
		// exit code (missing binary, unusable working directory, I/O
		// failure) — never for an ordinary non-zero exit. Without this
		// check the zero exitCode below would read as success.
		failNow(models.FailureCrash, fmt.Sprintf("spawn agent subprocess: %v", runErr))
		return
	}

	result, parseErr := ag.ParseOutput(stdout, exitCode)
	if parseErr != nil {
		failNow(models.FailureMalformedOutput, parseErr.Error())
		return
	}

	if !result.Success {
		failNow(models.FailureNonZeroExit, firstNonEmpty(result.Error, stderr))
		return
	}

	p.router.ReportUsage(decision.AgentID, result.InputTokens+result.OutputTokens)

	// EstimatedCost is always the token-based estimate computed from this
	// run's actual token counts, not the adapter's reported dollar amount:
	// ActualCost carries that separately, so a reader can tell a measured
	// cost from a derived one instead of the two being silently conflated.
	entry := &models.CostEntry{
		SessionID:     p.sessionID,
		TaskID:        taskID,
		AgentID:       decision.AgentID,
		BillingMode:   decision.BillingMode,
		InputTokens:   result.InputTokens,
		OutputTokens:  result.OutputTokens,
		EstimatedCost: p.router.EstimateCost(decision.Model, result.InputTokens, result.OutputTokens),
		ActualCost:    result.ActualCostUSD,
	}
	if err := budget.RecordCost(ctx, p.store, entry, task.Type == planningTaskType); err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("record cost: %v", err))
		return
	}

	// Budget is re-read from the store and checked before the completion is
	// allowed to stand, so a task that tips a cap over on its final cost
	// entry still surfaces as an exceedance rather than a silent success.
	taskExceeded, err := p.budget.CheckTaskBudget(ctx, p.sessionID, taskID)
	if err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("check task budget: %v", err))
		return
	}
	sessionExceeded, err := p.budget.CheckSessionBudget(ctx, p.sessionID)
	if err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("check session budget: %v", err))
		return
	}
	if taskExceeded {
		failNow(models.FailureBudgetExceeded, "task budget exceeded")
		if sessionExceeded {
			p.terminateSession(context.Background())
		}
		return
	}

	if _, err := p.engine.MarkTaskComplete(ctx, taskID, result.Output, entry.EffectiveCost()); err != nil {
		failNow(models.FailureCrash, fmt.Sprintf("mark complete: %v", err))
		return
	}

	if err := p.worktrees.Merge(ctx, wt); err != nil {
		p.bus.Emit(bus.Event{Kind: bus.KindWorktreeConflict, SessionID: p.sessionID, Payload: bus.WorktreePayload{TaskID: taskID, Path: wt.Path, Branch: wt.Branch, Reason: err.Error()}})
	} else {
		p.bus.Emit(bus.Event{Kind: bus.KindWorktreeMerged, SessionID: p.sessionID, Payload: bus.WorktreePayload{TaskID: taskID, Path: wt.Path, Branch: wt.Branch}})
	}

	reclaim()

	if sessionExceeded {
		p.terminateSession(context.Background())
	}
}

// terminateSession implements the session-budget-exceeded "terminate-all"
// action. The session is marked failed first, before any cancellation goes
// out, so the task graph engine's own end-of-run bookkeeping (which
// recomputes a session's final status from task counts once every task
// reaches a terminal state) finds the session already terminal and leaves
// this status alone instead of deriving "cancelled" from the tasks this
// call is about to cancel. Every in-flight subprocess is then sent a
// cancellation, and every task still pending or ready is marked cancelled
// directly (a running task's own worker observes its context cancellation
// and marks its task cancelled itself). Each exceedance runs this again:
// against an already-failed session it rewrites the same status, appends
// another audit entry and emits session:failed once more.
func (p *Pool) terminateSession(ctx context.Context) {
	_ = p.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, p.sessionID, models.SessionFailed); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindSessionBudgetExceeded), SessionID: p.sessionID, NewStatus: string(models.SessionFailed),
		})
		return err
	})
	p.bus.Emit(bus.Event{Kind: bus.KindSessionFailed, SessionID: p.sessionID})

	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.active))
	for _, c := range p.active {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	tasks, err := store.ListTasks(ctx, p.store.DB(), p.sessionID)
	if err == nil {
		for _, t := range tasks {
			if t.Status == models.TaskPending || t.Status == models.TaskReady {
				p.engine.MarkTaskCancelled(ctx, t.ID)
			}
		}
	}
}

// fail routes a worker-observed failure into the engine, which emits the
// resulting task:failed or task:retrying event itself; the pool does not
// emit a second event here.
func (p *Pool) fail(ctx context.Context, taskID string, kind models.FailureKind, errText string) {
	_, _ = p.engine.MarkTaskFailed(ctx, taskID, kind, errText)
}

// cleanupWorktree removes a task's worktree through the manager and stamps
// the task row's cleaned-at timestamp once it succeeds. Per the manager's
// own contract, cleanup errors are logged there and never propagated here;
// a worktree that failed to clean up is picked up by crash recovery's own
// reclaim pass instead of blocking this task's own terminal transition.
func (p *Pool) cleanupWorktree(ctx context.Context, taskID string, wt *worktree.Info) {
	if err := p.worktrees.CleanupWorktree(ctx, wt); err != nil {
		return
	}
	p.bus.Emit(bus.Event{Kind: bus.KindWorktreeRemoved, SessionID: p.sessionID, Payload: bus.WorktreePayload{TaskID: taskID, Path: wt.Path, Branch: wt.Branch}})
	_ = p.store.Transaction(ctx, func(tx *sql.Tx) error {
		return store.MarkWorktreeCleaned(ctx, tx, p.sessionID, taskID)
	})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// spawn runs cmd.Binary with cmd.Args in dir, capturing stdout and stderr
// separately so adapter stderr noise never pollutes stored task output.
// Timeout and cancellation both terminate gracefully first: SIGTERM on
// context cancellation, then a force kill once the grace period elapses.
func spawn(ctx context.Context, dir string, cmd adapter.Command) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = terminationGrace
	if cmd.Cwd != "" {
		execCmd.Dir = cmd.Cwd
	} else {
		execCmd.Dir = dir
	}
	execCmd.Env = cmd.Env

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf
	if cmd.Stdin != "" {
		execCmd.Stdin = bytes.NewBufferString(cmd.Stdin)
	}

	runErr := execCmd.Run()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}
