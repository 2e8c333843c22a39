// Package bus implements the in-process event bus: the synchronous,
// registration-ordered publish/subscribe mechanism the orchestration core
// uses to notify loggers, the report renderer, and the CLI's progress
// display of state transitions without coupling the emitting component to
// any particular listener.
package bus

import (
	"fmt"
	"sync"
)

// Kind names one event type the bus carries. Subscribers register against a
// Kind; Emit delivers only to subscribers of the emitted event's Kind.
type Kind string

const (
	KindSessionStarted        Kind = "session:started"
	KindSessionPaused         Kind = "session:paused"
	KindSessionResumed        Kind = "session:resumed"
	KindSessionCompleted      Kind = "session:completed"
	KindSessionFailed         Kind = "session:failed"
	KindSessionCancelled      Kind = "session:cancelled"
	KindGraphLoaded           Kind = "graph:loaded"
	KindGraphComplete         Kind = "graph:complete"
	KindTaskReady             Kind = "task:ready"
	KindTaskRunning           Kind = "task:running"
	KindTaskProgress          Kind = "task:progress"
	KindTaskComplete          Kind = "task:complete"
	KindTaskFailed            Kind = "task:failed"
	KindTaskRetrying          Kind = "task:retrying"
	KindTaskCancelled         Kind = "task:cancelled"
	KindWorkerSpawned         Kind = "worker:spawned"
	KindWorkerTerminated      Kind = "worker:terminated"
	KindBudgetWarningTask     Kind = "budget:warning:task"
	KindBudgetExceededTask    Kind = "budget:exceeded:task"
	KindBudgetWarningSess     Kind = "budget:warning:session"
	KindSessionBudgetExceeded Kind = "session:budget:exceeded"
	KindWorktreeCreated       Kind = "worktree:created"
	KindWorktreeMerged        Kind = "worktree:merged"
	KindWorktreeConflict      Kind = "worktree:conflict"
	KindWorktreeRemoved       Kind = "worktree:removed"
	KindRouterRateLimit       Kind = "router:rate_limited"
	KindOrchestratorReady     Kind = "orchestrator:ready"
	KindOrchestratorShutdown  Kind = "orchestrator:shutdown"
)

// Event is one occurrence delivered to subscribers. Payload is one of the
// Kind-specific payload structs declared in events.go; subscribers type-
// assert on the Kind they registered for.
type Event struct {
	Kind      Kind
	SessionID string
	Payload   interface{}
}

// Handler receives one event. A handler that panics or returns is isolated
// from its siblings: Emit recovers a handler panic, logs it to the bus's
// panic sink if one is set, and continues delivering to the remaining
// subscribers in registration order.
type Handler func(Event)

// Bus is a synchronous, registration-ordered, in-process publish/subscribe
// dispatcher. All delivery happens on the calling goroutine of Emit; there
// is no internal buffering or async fan-out. This keeps event ordering
// identical to the order state transitions actually happened in, which the
// execution log and the console logger both depend on.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Kind][]subscription
	nextID      uint64
	panicSink   func(kind Kind, r interface{})
}

type subscription struct {
	id uint64
	fn Handler
}

// Subscription identifies a registered handler so it can later be removed
// with Unsubscribe.
type Subscription struct {
	kind Kind
	id   uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]subscription)}
}

// OnPanic installs a sink invoked whenever a handler panics during Emit.
// Without one, handler panics are silently swallowed after recovery.
func (b *Bus) OnPanic(sink func(kind Kind, r interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panicSink = sink
}

// Subscribe registers fn to receive every event of the given kind, in the
// order Subscribe was called relative to other subscribers of the same
// kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[kind] = append(b.subscribers[kind], subscription{id: id, fn: fn})
	return Subscription{kind: kind, id: id}
}

// Unsubscribe removes a previously registered handler. Unsubscribing an
// already-removed or unknown subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.kind]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev synchronously to every subscriber of ev.Kind, in
// registration order. A handler panic is recovered and reported to the
// panic sink (if set) without interrupting delivery to later handlers.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subscribers[ev.Kind]...)
	sink := b.panicSink
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(s.fn, ev, sink)
	}
}

func (b *Bus) dispatch(fn Handler, ev Event, sink func(Kind, interface{})) {
	defer func() {
		if r := recover(); r != nil {
			if sink != nil {
				sink(ev.Kind, r)
			}
		}
	}()
	fn(ev)
}

// String implements fmt.Stringer for use in log lines.
func (e Event) String() string {
	return fmt.Sprintf("%s[session=%s]", e.Kind, e.SessionID)
}
