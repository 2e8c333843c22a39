package models

import (
	"testing"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name:    "valid pending task",
			task:    Task{ID: "t1", SessionID: "s1", Name: "write", Prompt: "do it", Status: TaskPending},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{SessionID: "s1", Name: "write", Prompt: "do it"},
			wantErr: true,
		},
		{
			name:    "missing prompt",
			task:    Task{ID: "t1", SessionID: "s1", Name: "write"},
			wantErr: true,
		},
		{
			name:    "retry count over cap",
			task:    Task{ID: "t1", Prompt: "do it", RetryCount: 3, MaxRetries: 2},
			wantErr: true,
		},
		{
			name:    "running without worker id",
			task:    Task{ID: "t1", Prompt: "do it", Status: TaskRunning, WorktreePath: "/tmp/wt"},
			wantErr: true,
		},
		{
			name:    "running without worktree path",
			task:    Task{ID: "t1", Prompt: "do it", Status: TaskRunning, WorkerID: "w1"},
			wantErr: true,
		},
		{
			name:    "valid running task",
			task:    Task{ID: "t1", Prompt: "do it", Status: TaskRunning, WorkerID: "w1", WorktreePath: "/tmp/wt"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Task.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskCanRetry(t *testing.T) {
	tests := []struct {
		name     string
		task     Task
		expected bool
	}{
		{name: "under cap", task: Task{RetryCount: 0, MaxRetries: 2}, expected: true},
		{name: "one below cap", task: Task{RetryCount: 1, MaxRetries: 2}, expected: true},
		{name: "at cap", task: Task{RetryCount: 2, MaxRetries: 2}, expected: false},
		{name: "zero cap", task: Task{RetryCount: 0, MaxRetries: 0}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.CanRetry(); got != tt.expected {
				t.Errorf("Task.CanRetry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionIsTerminal(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		expected bool
	}{
		{SessionActive, false},
		{SessionPaused, false},
		{SessionInterrupted, false},
		{SessionCompleted, true},
		{SessionFailed, true},
		{SessionCancelled, true},
		{SessionAbandoned, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := Session{Status: tt.status}
			if got := s.IsTerminal(); got != tt.expected {
				t.Errorf("Session.IsTerminal() = %v, want %v for %s", got, tt.expected, tt.status)
			}
		})
	}
}

func TestSessionEffectiveBudgetCost(t *testing.T) {
	s := Session{CumulativeCost: 5.0, PlanningCost: 1.5}

	if got := s.EffectiveBudgetCost(true); got != 3.5 {
		t.Errorf("EffectiveBudgetCost(isolated) = %v, want 3.5", got)
	}
	if got := s.EffectiveBudgetCost(false); got != 5.0 {
		t.Errorf("EffectiveBudgetCost(counted) = %v, want 5.0", got)
	}
}

func TestCostEntryEffectiveCost(t *testing.T) {
	estimated := CostEntry{EstimatedCost: 1.0}
	if got := estimated.EffectiveCost(); got != 1.0 {
		t.Errorf("EffectiveCost() = %v, want estimated 1.0", got)
	}

	actual := 2.5
	measured := CostEntry{EstimatedCost: 1.0, ActualCost: &actual}
	if got := measured.EffectiveCost(); got != 2.5 {
		t.Errorf("EffectiveCost() = %v, want actual 2.5", got)
	}
}
