// Package lifecycle implements the orchestrator lifecycle: the top-level
// component that wires the event bus, durable store, worktree manager,
// budget enforcer, router, worker pool, and task graph engine together in
// dependency order, runs crash recovery on startup, and drives one session
// from StartExecution through to a terminal status while handling
// SIGINT/SIGTERM and out-of-band session signals.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/johnplanow/substrate-sub008/internal/adapter"
	"github.com/johnplanow/substrate-sub008/internal/budget"
	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/graphengine"
	"github.com/johnplanow/substrate-sub008/internal/logger"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/report"
	"github.com/johnplanow/substrate-sub008/internal/router"
	"github.com/johnplanow/substrate-sub008/internal/store"
	"github.com/johnplanow/substrate-sub008/internal/workerpool"
	"github.com/johnplanow/substrate-sub008/internal/worktree"
)

// Orchestrator owns every long-lived component of one Substrate process.
// It drives sessions one at a time; running several sessions concurrently
// from the same Orchestrator is not supported since the task graph engine
// tracks exactly one active session at a time.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	bus       *bus.Bus
	engine    *graphengine.Engine
	router    *router.Router
	budget    *budget.Enforcer
	worktrees *worktree.Manager
	registry  *adapter.Registry
	console   *logger.Console

	mu           sync.Mutex
	pool         *workerpool.Pool
	sessionID    string
	shutdownOnce sync.Once
	cancelOnce   sync.Once
	shuttingDown bool
}

// New wires every component in the order the orchestration core requires:
// event bus, durable store, worktree manager, budget enforcer, router,
// task graph engine, then the console logger as a subscriber of all of it.
// The worker pool is created per-session by RunSession, since it is bound
// to one session's id.
func New(ctx context.Context, cfg *config.Config, projectDir string, registry *adapter.Registry, runner worktree.CommandRunner, out io.Writer) (*Orchestrator, error) {
	b := bus.New()
	b.OnPanic(func(kind bus.Kind, r interface{}) {
		fmt.Fprintf(os.Stderr, "substrate: handler for %s panicked: %v\n", kind, r)
	})

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	wm := worktree.New(projectDir, cfg.WorktreeRoot, cfg.BaseBranch, runner)
	en := budget.New(st, b, budget.Config{
		DefaultTaskCapUSD:    cfg.Budget.TaskCapUSD,
		DefaultSessionCapUSD: cfg.Budget.SessionCapUSD,
		WarningThresholdPct:  cfg.Budget.WarningThresholdPct,
		IsolatePlanningCost:  cfg.Budget.IsolatePlanningCost,
	})

	candidates := make([]router.Candidate, 0, len(cfg.Router.Candidates))
	for _, c := range cfg.Router.Candidates {
		candidates = append(candidates, router.Candidate{
			AgentID: c.AgentID, SubscriptionEnabled: c.SubscriptionEnabled, APIEnabled: c.APIEnabled, Model: c.Model,
		})
	}
	rt := router.New(router.Policy{
		Candidates:      candidates,
		RateLimitWindow: cfg.Router.RateLimitWindow,
		RateLimitTokens: cfg.Router.RateLimitTokens,
	})
	rt.SetRegistry(registry)

	ge := graphengine.New(st, b)
	console := logger.NewConsole(b, out)

	return &Orchestrator{
		cfg: cfg, store: st, bus: b, engine: ge, router: rt, budget: en,
		worktrees: wm, registry: registry, console: console,
	}, nil
}

// Bus exposes the orchestrator's event bus so callers (CLI commands) can
// attach their own subscribers before a session starts.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Store exposes the durable store for read-only callers like the status
// command.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Close releases the underlying store connection.
func (o *Orchestrator) Close() error { return o.store.Close() }

// Bootstrap runs the environment preflight and crash recovery: git must
// support worktrees and every registered adapter must report healthy, then
// every session left active or interrupted by a prior process has its
// orphaned running tasks re-queued and every worktree left on disk is
// reclaimed. Call once before RunSession.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.worktrees.VerifyGitVersion(ctx); err != nil {
		return fmt.Errorf("git preflight: %w", err)
	}
	for _, id := range o.registry.IDs() {
		ag, ok := o.registry.Get(id)
		if !ok {
			continue
		}
		health, err := ag.HealthCheck(ctx)
		if err != nil {
			return fmt.Errorf("adapter %s health check: %w", id, err)
		}
		if !health.Healthy {
			return fmt.Errorf("adapter %s unhealthy: %s", id, health.Error)
		}
	}

	sessions, err := store.ListActiveSessions(ctx, o.store.DB())
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	for _, s := range sessions {
		if _, err := RecoverOrphanedTasks(ctx, o.store, s.ID); err != nil {
			return fmt.Errorf("recover session %s: %w", s.ID, err)
		}
		if s.Status == models.SessionActive {
			if err := setSessionInterrupted(ctx, o.store, s.ID, "process crashed without shutdown"); err != nil {
				return fmt.Errorf("mark session %s interrupted: %w", s.ID, err)
			}
		}
	}

	if _, err := ReclaimWorktrees(ctx, o.store, o.worktrees); err != nil {
		return fmt.Errorf("reclaim worktrees: %w", err)
	}

	o.bus.Emit(bus.Event{Kind: bus.KindOrchestratorReady})
	return nil
}

// LoadGraph validates and persists a parsed task graph document, returning
// the new session's id.
func (o *Orchestrator) LoadGraph(ctx context.Context, doc *graphengine.Document, source string, knownAgents map[string]bool) (string, error) {
	return graphengine.Load(ctx, o.store, doc, source, knownAgents)
}

// RunSession drives sessionID from its current ready set through to a
// terminal status, dispatching every task:ready event to the worker pool,
// polling for out-of-band signals, and handling SIGINT/SIGTERM as a
// graceful shutdown. It blocks until the session reaches a terminal status
// or the orchestrator is shut down, then renders the session's report.
func (o *Orchestrator) RunSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fileLog, err := logger.NewFile(o.bus, o.cfg.LogDir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session log file: %w", err)
	}
	defer fileLog.Close()

	pool := workerpool.New(workerpool.Config{
		SessionID:      sessionID,
		MaxConcurrency: o.cfg.MaxConcurrency,
		Engine:         o.engine,
		Budget:         o.budget,
		Router:         o.router,
		Bus:            o.bus,
		Registry:       o.registry,
		Worktrees:      o.worktrees,
		Tasks:          o.store,
		Store:          o.store,
		TaskTimeoutMs: func(taskType string) int {
			return o.cfg.TaskDefaults(taskType).TimeoutMs
		},
	})

	o.mu.Lock()
	o.pool = pool
	o.sessionID = sessionID
	o.shuttingDown = false
	o.mu.Unlock()

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	readySub := o.bus.Subscribe(bus.KindTaskReady, func(ev bus.Event) {
		if ev.SessionID != sessionID {
			return
		}
		p, ok := ev.Payload.(bus.TaskReadyPayload)
		if !ok {
			return
		}
		o.mu.Lock()
		shuttingDown := o.shuttingDown
		o.mu.Unlock()
		if shuttingDown {
			return
		}
		pool.Dispatch(ctx, p.TaskID)
	})
	defer o.bus.Unsubscribe(readySub)

	completeSub := o.bus.Subscribe(bus.KindGraphComplete, func(ev bus.Event) {
		if ev.SessionID == sessionID {
			closeDone()
		}
	})
	defer o.bus.Unsubscribe(completeSub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			o.Shutdown(context.Background(), "interrupt signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	pollDone := make(chan struct{})
	go o.pollSignals(ctx, sessionID, pollDone)

	// Every dispatch flows through the task:ready subscription above —
	// StartExecution emits task:ready for the initial ready set itself, so
	// draining its return value here as well would dispatch each task twice.
	if _, err := o.engine.StartExecution(ctx, sessionID); err != nil {
		close(pollDone)
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	close(pollDone)

	pool.Wait()

	session, err := store.GetSession(ctx, o.store.DB(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load final session state: %w", err)
	}

	if session.IsTerminal() {
		if _, err := report.Generate(context.Background(), o.store, sessionID, o.cfg.ReportDir); err != nil {
			return session, fmt.Errorf("generate report: %w", err)
		}
	}

	return session, nil
}

// pollSignals reads out-of-band session signals at the configured interval
// and acts on pause/resume/cancel, until done is closed.
func (o *Orchestrator) pollSignals(ctx context.Context, sessionID string, done <-chan struct{}) {
	interval := o.cfg.SignalPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Consumed rows are deleted in the same transaction that read
			// them, so a signal is acted on at most once even across process
			// restarts. Worst-case latency for a cancel taking effect is one
			// poll interval plus the subprocess grace period.
			signals, err := store.ConsumeSignals(ctx, o.store, sessionID)
			if err != nil {
				continue
			}
			for _, sig := range signals {
				o.handleSignal(ctx, sessionID, sig.Kind)
			}
		}
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, sessionID string, kind models.SignalKind) {
	switch kind {
	case models.SignalPause:
		o.engine.Pause(ctx)
	case models.SignalResume:
		// Resume re-emits task:ready for whatever became ready while
		// paused; the task:ready subscription dispatches from there.
		o.engine.Resume(ctx)
	case models.SignalCancel:
		o.CancelSession(ctx, "session cancel signal")
	}
}

// CancelSession implements the durable cancel signal's response: unlike
// Shutdown (used for SIGINT/SIGTERM and process exit, which leaves
// in-flight tasks resumable as "pending" and the session "interrupted"),
// a cancel signal is a deliberate, non-resumable stop. Every task still
// pending, ready, or running is marked cancelled; the engine's own
// end-of-run bookkeeping then derives the session's final status as
// "cancelled" once every task has reached a terminal state, matching the
// same path an ordinary graph run takes to "completed". Idempotent.
func (o *Orchestrator) CancelSession(ctx context.Context, reason string) error {
	var cancelErr error
	o.cancelOnce.Do(func() {
		o.mu.Lock()
		o.shuttingDown = true
		pool := o.pool
		sessionID := o.sessionID
		o.mu.Unlock()

		if sessionID == "" {
			return
		}

		o.engine.Attach(sessionID)
		o.engine.Pause(ctx)

		tasks, err := store.ListTasks(ctx, o.store.DB(), sessionID)
		if err != nil {
			cancelErr = fmt.Errorf("list tasks for cancel: %w", err)
			return
		}
		for _, t := range tasks {
			switch t.Status {
			case models.TaskRunning:
				if pool != nil {
					pool.Cancel(t.ID)
				}
			case models.TaskPending, models.TaskReady:
				o.engine.MarkTaskCancelled(ctx, t.ID)
			}
		}

		o.bus.Emit(bus.Event{Kind: bus.KindOrchestratorShutdown, SessionID: sessionID, Payload: reason})
	})
	return cancelErr
}

// Shutdown gracefully stops the current session: it pauses the engine so no
// further ready tasks dispatch, requests every in-flight worker's subprocess
// be cancelled for a resumable requeue (once its subprocess exits, the pool
// reports each task through the failure path, not as cancelled: a task with
// retries left goes back to pending with its retry counter incremented, one
// already at its cap fails), waits for all of them to settle, then marks the
// session interrupted so a future process can resume it. It is idempotent;
// concurrent or repeated calls after the first are no-ops.
func (o *Orchestrator) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shuttingDown = true
		pool := o.pool
		sessionID := o.sessionID
		o.mu.Unlock()

		if sessionID == "" {
			return
		}

		o.engine.Attach(sessionID)
		o.engine.Pause(ctx)

		if pool != nil {
			running, err := store.ListRunningTasks(ctx, o.store.DB(), sessionID)
			if err != nil {
				shutdownErr = fmt.Errorf("list running tasks for shutdown: %w", err)
				return
			}
			for _, t := range running {
				pool.CancelForShutdown(t.ID)
			}
			pool.Wait()
		}

		if err := setSessionInterrupted(ctx, o.store, sessionID, reason); err != nil {
			shutdownErr = err
			return
		}

		if err := o.store.Checkpoint(ctx); err != nil {
			shutdownErr = err
			return
		}

		o.bus.Emit(bus.Event{Kind: bus.KindOrchestratorShutdown, SessionID: sessionID, Payload: reason})
	})
	return shutdownErr
}

// setSessionInterrupted marks a session interrupted and appends the audit
// log entry recording why, inside one transaction.
func setSessionInterrupted(ctx context.Context, st *store.Store, sessionID, reason string) error {
	return st.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, sessionID, models.SessionInterrupted); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: "session:interrupted", SessionID: sessionID,
			NewStatus: string(models.SessionInterrupted), Data: reason,
		})
		return err
	})
}
