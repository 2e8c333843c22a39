// Package models defines the core data types shared across the orchestration
// core: sessions, tasks, dependency edges, cost entries, signals, and the
// execution audit log described in the orchestration data model.
package models

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of an orchestration run.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionPaused      SessionStatus = "paused"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCancelled   SessionStatus = "cancelled"
	SessionAbandoned   SessionStatus = "abandoned"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// BillingMode identifies how a dispatched task is billed.
type BillingMode string

const (
	BillingSubscription BillingMode = "subscription"
	BillingAPI          BillingMode = "api"
	BillingFree         BillingMode = "free"
)

// SignalKind is an out-of-band instruction left for the running orchestrator.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalCancel SignalKind = "cancel"
)

// FailureKind classifies why a task execution ended in error, for operator
// triage in the execution log (supplements the distilled spec's plain error
// string with the same taxonomy granularity the teacher project records in
// internal/models/error_classification.go).
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureRateLimit       FailureKind = "rate_limit"
	FailureNonZeroExit     FailureKind = "nonzero_exit"
	FailureMalformedOutput FailureKind = "malformed_output"
	FailureCrash           FailureKind = "crash"
	FailureBudgetExceeded  FailureKind = "budget_exceeded"
	FailureShutdown        FailureKind = "shutdown"
)

// Session is a single instance of executing a task graph.
type Session struct {
	ID             string
	Name           string
	GraphSource    string
	Status         SessionStatus
	CumulativeCost float64
	PlanningCost   float64
	BudgetUSD      float64 // 0 = use the enforcer's default session cap (no cap when that is 0 too)
	BaseBranch     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveBudgetCost returns the cost that counts against the session cap,
// subtracting planning cost when planning-cost isolation is enabled.
func (s *Session) EffectiveBudgetCost(isolatePlanningCost bool) float64 {
	if isolatePlanningCost {
		return s.CumulativeCost - s.PlanningCost
	}
	return s.CumulativeCost
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionAbandoned:
		return true
	default:
		return false
	}
}

// Task is a unit of work belonging to one session.
type Task struct {
	ID                string
	SessionID         string
	Name              string
	Prompt            string
	Type              string
	Status            TaskStatus
	AgentPref         string
	ModelHint         string
	RetryCount        int
	MaxRetries        int
	CostUSD           float64
	BudgetUSD         float64 // 0 = use the enforcer's default task cap (no cap when that is 0 too)
	WorkerID          string
	WorktreePath      string
	Branch            string
	Output            string
	ErrorText         string
	WorktreeCleanedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks the invariants that must hold for any task row.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Prompt == "" {
		return errors.New("task prompt is required")
	}
	if t.RetryCount > t.MaxRetries {
		return errors.New("retry_count must not exceed max_retries")
	}
	if t.Status == TaskRunning {
		if t.WorkerID == "" {
			return errors.New("running task must have a worker id")
		}
		if t.WorktreePath == "" {
			return errors.New("running task must have a worktree path")
		}
	}
	return nil
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Dependency is an ordered dependency edge within one session: TaskID
// depends on DependsOn.
type Dependency struct {
	SessionID string
	TaskID    string
	DependsOn string
}

// CostEntry is an immutable, append-only record of money spent dispatching a
// task (or, when TaskID is empty, planning/overhead cost for the session).
type CostEntry struct {
	ID            int64
	SessionID     string
	TaskID        string // empty when not task-scoped
	AgentID       string
	BillingMode   BillingMode
	EstimatedCost float64
	ActualCost    *float64
	InputTokens   int64
	OutputTokens  int64
	CreatedAt     time.Time
}

// EffectiveCost returns the actual cost when known, otherwise the estimate.
func (c *CostEntry) EffectiveCost() float64 {
	if c.ActualCost != nil {
		return *c.ActualCost
	}
	return c.EstimatedCost
}

// Signal is an append-only out-of-band instruction for the running
// orchestrator, consumed by the signal poller.
type Signal struct {
	ID        int64
	SessionID string
	Kind      SignalKind
	CreatedAt time.Time
}

// LogEntry is an append-only audit record describing an observable
// transition.
type LogEntry struct {
	ID        int64
	Kind      string
	SessionID string
	TaskID    string // empty when not task-scoped
	OldStatus string
	NewStatus string
	AgentID   string
	CostDelta *float64
	Data      string // free-form text, e.g. an error message or a reason
	CreatedAt time.Time
}
