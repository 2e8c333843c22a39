// Package logger renders orchestration-core events for a human watching the
// run: a colorized console stream and a structured per-session file log.
// Both implementations are pure Event Bus subscribers — they hold no
// reference to the components that emit the events they render.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/johnplanow/substrate-sub008/internal/bus"
)

// Console renders every event kind from the bus catalogue to an io.Writer
// (stdout by default), colorized when the destination is a terminal and
// NO_COLOR is unset.
type Console struct {
	out    io.Writer
	colors *colorScheme
}

type colorScheme struct {
	ok    *color.Color
	fail  *color.Color
	warn  *color.Color
	info  *color.Color
	label *color.Color
}

// NewConsole creates a console logger writing to out and subscribes it to
// every event kind the bus carries. The returned Console can be discarded;
// its subscriptions keep it alive for the lifetime of the bus.
func NewConsole(b *bus.Bus, out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	c := &Console{out: out, colors: newColorScheme(out)}
	c.subscribe(b)
	return c
}

// newColorScheme disables color.Color output when out isn't a terminal or
// NO_COLOR is set, matching the teacher's fatih/color + go-isatty gating.
func newColorScheme(out io.Writer) *colorScheme {
	f, isFile := out.(*os.File)
	enabled := os.Getenv("NO_COLOR") == "" && isFile && isatty.IsTerminal(f.Fd())
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		c.EnableColor()
		if !enabled {
			c.DisableColor()
		}
		return c
	}
	return &colorScheme{
		ok:    mk(color.FgGreen),
		fail:  mk(color.FgRed),
		warn:  mk(color.FgYellow),
		info:  mk(color.FgCyan),
		label: mk(color.FgWhite),
	}
}

func (c *Console) subscribe(b *bus.Bus) {
	kinds := []bus.Kind{
		bus.KindSessionStarted, bus.KindSessionPaused, bus.KindSessionResumed,
		bus.KindSessionCompleted, bus.KindSessionFailed, bus.KindSessionCancelled,
		bus.KindGraphLoaded, bus.KindGraphComplete,
		bus.KindTaskReady, bus.KindTaskRunning, bus.KindTaskProgress,
		bus.KindTaskComplete, bus.KindTaskFailed, bus.KindTaskRetrying, bus.KindTaskCancelled,
		bus.KindWorkerSpawned, bus.KindWorkerTerminated,
		bus.KindBudgetWarningTask, bus.KindBudgetExceededTask,
		bus.KindBudgetWarningSess, bus.KindSessionBudgetExceeded,
		bus.KindWorktreeCreated, bus.KindWorktreeMerged, bus.KindWorktreeConflict, bus.KindWorktreeRemoved,
		bus.KindRouterRateLimit,
		bus.KindOrchestratorReady, bus.KindOrchestratorShutdown,
	}
	for _, k := range kinds {
		b.Subscribe(k, c.render)
	}
}

func (c *Console) render(ev bus.Event) {
	ts := time.Now().Format("15:04:05")
	line, clr := c.format(ev)
	fmt.Fprintf(c.out, "%s %s\n", c.colors.label.Sprintf("[%s]", ts), clr.Sprint(line))
}

// format builds the human-readable line for an event and the color it
// should render in. Unrecognized kinds fall back to a generic rendering
// rather than being dropped, so a new event kind is never silently invisible.
func (c *Console) format(ev bus.Event) (string, *color.Color) {
	switch ev.Kind {
	case bus.KindGraphLoaded:
		p, _ := ev.Payload.(bus.GraphLoadedPayload)
		return fmt.Sprintf("graph loaded: %d tasks from %s", p.TaskCount, p.Source), c.colors.info
	case bus.KindSessionStarted:
		return "session started", c.colors.info
	case bus.KindTaskReady:
		p, _ := ev.Payload.(bus.TaskReadyPayload)
		return fmt.Sprintf("task %s ready", p.TaskID), c.colors.info
	case bus.KindTaskRunning:
		p, _ := ev.Payload.(bus.TaskRunningPayload)
		return fmt.Sprintf("task %s running (worker %s)", p.TaskID, p.WorkerID), c.colors.info
	case bus.KindTaskComplete:
		p, _ := ev.Payload.(bus.TaskCompletePayload)
		return fmt.Sprintf("task %s completed ($%.4f)", p.TaskID, p.CostUSD), c.colors.ok
	case bus.KindTaskRetrying:
		p, _ := ev.Payload.(bus.TaskFailedPayload)
		return fmt.Sprintf("task %s retrying (attempt %d): %s", p.TaskID, p.RetryCount, p.Err), c.colors.warn
	case bus.KindTaskFailed:
		p, _ := ev.Payload.(bus.TaskFailedPayload)
		return fmt.Sprintf("task %s failed [%s]: %s", p.TaskID, p.FailureKind, p.Err), c.colors.fail
	case bus.KindTaskCancelled:
		p, _ := ev.Payload.(bus.TaskCancelledPayload)
		return fmt.Sprintf("task %s cancelled", p.TaskID), c.colors.warn
	case bus.KindWorkerSpawned:
		p, _ := ev.Payload.(bus.WorkerPayload)
		return fmt.Sprintf("worker %s spawned for task %s", p.WorkerID, p.TaskID), c.colors.label
	case bus.KindWorkerTerminated:
		p, _ := ev.Payload.(bus.WorkerPayload)
		return fmt.Sprintf("worker %s terminated", p.WorkerID), c.colors.label
	case bus.KindWorktreeCreated:
		p, _ := ev.Payload.(bus.WorktreePayload)
		return fmt.Sprintf("worktree created for %s at %s (%s)", p.TaskID, p.Path, p.Branch), c.colors.label
	case bus.KindWorktreeMerged:
		p, _ := ev.Payload.(bus.WorktreePayload)
		return fmt.Sprintf("worktree %s merged", p.TaskID), c.colors.ok
	case bus.KindWorktreeConflict:
		p, _ := ev.Payload.(bus.WorktreePayload)
		return fmt.Sprintf("worktree %s merge conflict: %s", p.TaskID, p.Reason), c.colors.fail
	case bus.KindWorktreeRemoved:
		p, _ := ev.Payload.(bus.WorktreePayload)
		return fmt.Sprintf("worktree %s removed", p.TaskID), c.colors.label
	case bus.KindBudgetWarningTask:
		p, _ := ev.Payload.(bus.BudgetPayload)
		return fmt.Sprintf("task %s budget warning: $%.2f/$%.2f (%.0f%%)", p.TaskID, p.Spent, p.Cap, p.PercentUsed*100), c.colors.warn
	case bus.KindBudgetExceededTask:
		p, _ := ev.Payload.(bus.BudgetPayload)
		return fmt.Sprintf("task %s budget exceeded: $%.2f/$%.2f", p.TaskID, p.Spent, p.Cap), c.colors.fail
	case bus.KindBudgetWarningSess:
		p, _ := ev.Payload.(bus.BudgetPayload)
		return fmt.Sprintf("session budget warning: $%.2f/$%.2f (%.0f%%)", p.Spent, p.Cap, p.PercentUsed*100), c.colors.warn
	case bus.KindSessionBudgetExceeded:
		p, _ := ev.Payload.(bus.BudgetPayload)
		return fmt.Sprintf("session budget exceeded: $%.2f/$%.2f — terminating all tasks", p.Spent, p.Cap), c.colors.fail
	case bus.KindRouterRateLimit:
		p, _ := ev.Payload.(bus.RouterRateLimitPayload)
		return fmt.Sprintf("agent %s rate limited, retry after %ds", p.AgentID, p.RetryAfterS), c.colors.warn
	case bus.KindGraphComplete:
		p, _ := ev.Payload.(bus.GraphCompletePayload)
		return fmt.Sprintf("graph complete: %d completed, %d failed, %d cancelled, %d unreachable", p.Completed, p.Failed, p.Cancelled, p.Unreachable), c.colors.ok
	case bus.KindSessionPaused:
		return "session paused", c.colors.warn
	case bus.KindSessionResumed:
		return "session resumed", c.colors.info
	case bus.KindSessionCompleted:
		return "session completed", c.colors.ok
	case bus.KindSessionFailed:
		return "session failed", c.colors.fail
	case bus.KindSessionCancelled:
		return "session cancelled", c.colors.warn
	case bus.KindOrchestratorReady:
		return "orchestrator ready", c.colors.ok
	case bus.KindOrchestratorShutdown:
		return "orchestrator shutdown", c.colors.warn
	default:
		return ev.String(), c.colors.label
	}
}
