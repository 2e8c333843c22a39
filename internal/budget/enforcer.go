// Package budget implements the budget enforcer: it listens to cost deltas
// recorded by the worker pool and, on re-read from the durable store,
// decides whether a task or session has crossed its warning or exceedance
// threshold. It never holds cost state of its own — every check re-reads
// the store so it can never drift from what was actually committed.
package budget

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// defaultWarningThresholdPct is the percentage of a budget cap at which a
// warning event fires, ahead of outright exceedance.
const defaultWarningThresholdPct = 80

// Config holds the enforcer's policy knobs. The default caps apply to any
// task or session whose own cap is zero; a default of zero likewise means
// unlimited.
type Config struct {
	DefaultTaskCapUSD    float64
	DefaultSessionCapUSD float64
	WarningThresholdPct  int // 0 means the built-in default of 80
	// IsolatePlanningCost excludes planning cost from the session cap
	// comparison.
	IsolatePlanningCost bool
}

// Enforcer checks spend against caps after it has been committed to the
// store, and emits events describing what it found. It never emits from
// inside the transaction that recorded the spend — only after commit, so a
// rolled-back write never produces a phantom warning.
type Enforcer struct {
	store *store.Store
	bus   *bus.Bus
	cfg   Config
}

// New creates a budget enforcer bound to a store and event bus.
func New(st *store.Store, b *bus.Bus, cfg Config) *Enforcer {
	if cfg.WarningThresholdPct <= 0 {
		cfg.WarningThresholdPct = defaultWarningThresholdPct
	}
	return &Enforcer{store: st, bus: b, cfg: cfg}
}

// warningFraction converts the configured percentage into the fraction the
// checks compare against.
func (en *Enforcer) warningFraction() float64 {
	return float64(en.cfg.WarningThresholdPct) / 100
}

// CheckTaskBudget re-reads a task's accrued cost and its cap, and emits
// budget:warning:task or budget:exceeded:task if crossed. Returns whether
// the task's budget is exceeded.
func (en *Enforcer) CheckTaskBudget(ctx context.Context, sessionID, taskID string) (exceeded bool, err error) {
	task, err := store.GetTask(ctx, en.store.DB(), sessionID, taskID)
	if err != nil {
		return false, fmt.Errorf("load task for budget check: %w", err)
	}
	cap := task.BudgetUSD
	if cap <= 0 {
		cap = en.cfg.DefaultTaskCapUSD
	}
	if cap <= 0 {
		return false, nil // unlimited
	}

	spent, err := store.SumTaskCost(ctx, en.store.DB(), sessionID, taskID)
	if err != nil {
		return false, fmt.Errorf("sum task cost: %w", err)
	}
	// cost_usd on the task row is accrued separately from cost_entries (the
	// engine adds each completion's cost to it); take whichever is larger so
	// the check never reads less than either record holds.
	if task.CostUSD > spent {
		spent = task.CostUSD
	}

	percent := spent / cap
	payload := bus.BudgetPayload{TaskID: taskID, Spent: spent, Cap: cap, PercentUsed: percent}

	switch {
	case percent >= 1.0:
		en.bus.Emit(bus.Event{Kind: bus.KindBudgetExceededTask, SessionID: sessionID, Payload: payload})
		return true, nil
	case percent >= en.warningFraction():
		en.bus.Emit(bus.Event{Kind: bus.KindBudgetWarningTask, SessionID: sessionID, Payload: payload})
	}
	return false, nil
}

// CheckSessionBudget re-reads a session's cumulative cost and its cap, and
// emits budget:warning:session or session:budget:exceeded if crossed.
// Returns whether the session's budget is exceeded.
func (en *Enforcer) CheckSessionBudget(ctx context.Context, sessionID string) (exceeded bool, err error) {
	session, err := store.GetSession(ctx, en.store.DB(), sessionID)
	if err != nil {
		return false, fmt.Errorf("load session for budget check: %w", err)
	}
	cap := session.BudgetUSD
	if cap <= 0 {
		cap = en.cfg.DefaultSessionCapUSD
	}
	if cap <= 0 {
		return false, nil // unlimited
	}

	spent := session.EffectiveBudgetCost(en.cfg.IsolatePlanningCost)
	percent := spent / cap
	payload := bus.BudgetPayload{Spent: spent, Cap: cap, PercentUsed: percent}

	switch {
	case percent >= 1.0:
		en.bus.Emit(bus.Event{Kind: bus.KindSessionBudgetExceeded, SessionID: sessionID, Payload: payload})
		return true, nil
	case percent >= en.warningFraction():
		en.bus.Emit(bus.Event{Kind: bus.KindBudgetWarningSess, SessionID: sessionID, Payload: payload})
	}
	return false, nil
}

// RecordCost writes a cost entry for a dispatched task and folds it into the
// session's cumulative cost, all inside one transaction. Budget checks must
// be performed by the caller afterward, once the transaction has committed,
// per the enforcer's read-after-commit contract.
func RecordCost(ctx context.Context, st *store.Store, entry *models.CostEntry, isPlanning bool) error {
	return st.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := store.RecordCostEntry(ctx, tx, entry); err != nil {
			return err
		}
		return store.AddSessionCost(ctx, tx, entry.SessionID, entry.EffectiveCost(), isPlanning)
	})
}
