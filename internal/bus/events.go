package bus

import "github.com/johnplanow/substrate-sub008/internal/models"

// TaskReadyPayload accompanies KindTaskReady.
type TaskReadyPayload struct {
	TaskID string
}

// TaskRunningPayload accompanies KindTaskRunning. Worktree details arrive
// separately on worktree:created, which follows once the directory exists.
type TaskRunningPayload struct {
	TaskID   string
	WorkerID string
}

// TaskProgressPayload accompanies KindTaskProgress.
type TaskProgressPayload struct {
	TaskID string
	Output string
}

// TaskCompletePayload accompanies KindTaskComplete.
type TaskCompletePayload struct {
	TaskID  string
	CostUSD float64
}

// TaskFailedPayload accompanies KindTaskFailed and KindTaskRetrying.
type TaskFailedPayload struct {
	TaskID      string
	FailureKind models.FailureKind
	Err         string
	RetryCount  int
	WillRetry   bool
}

// TaskCancelledPayload accompanies KindTaskCancelled.
type TaskCancelledPayload struct {
	TaskID string
}

// GraphLoadedPayload accompanies KindGraphLoaded.
type GraphLoadedPayload struct {
	TaskCount int
	Source    string
}

// GraphCompletePayload accompanies KindGraphComplete.
type GraphCompletePayload struct {
	Completed int
	Failed    int
	Cancelled int
	// Unreachable counts tasks still pending because a dependency failed
	// terminally; they never became ready and never will.
	Unreachable int
}

// BudgetPayload accompanies every budget:* and session:budget:exceeded event.
type BudgetPayload struct {
	TaskID      string // empty when session-scoped
	Spent       float64
	Cap         float64
	PercentUsed float64
}

// WorkerPayload accompanies KindWorkerSpawned and KindWorkerTerminated.
type WorkerPayload struct {
	WorkerID string
	TaskID   string
}

// WorktreePayload accompanies every worktree:* event.
type WorktreePayload struct {
	TaskID string
	Path   string
	Branch string
	Reason string // populated for worktree:conflict
}

// RouterRateLimitPayload accompanies KindRouterRateLimit.
type RouterRateLimitPayload struct {
	AgentID     string
	RetryAfterS int
}
