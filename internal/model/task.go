// Package model defines the core domain types for Verity.
//
// Types are shared by storage, the task registry, the event bus and the
// HTTP layer. JSON tags match the wire format served to clients.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a validation task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the task state machine allows s -> next.
// pending -> failed is allowed so recovery can abort tasks whose input is
// unusable without pretending they were processed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailed
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// Task is the durable record of one validation request.
//
// CompletedAt and ExecutionTimeMs are set iff the status is terminal,
// Result iff completed, Error iff failed.
type Task struct {
	ID              uuid.UUID       `json:"id"`
	Prompt          string          `json:"prompt"`
	Status          TaskStatus      `json:"status"`
	Method          string          `json:"method,omitempty"`
	Result          *AnalysisResult `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Input           DatasetInput    `json:"-"`
	SessionID       *string         `json:"session_id,omitempty"`
	BatchID         *uuid.UUID      `json:"batch_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
}

// NewTask holds the fields supplied when a task is created.
type NewTask struct {
	Prompt    string
	Input     DatasetInput
	SessionID *string
	BatchID   *uuid.UUID
}

// TaskUpdate is a partial update. Nil fields are left untouched.
// CompletedAt and ExecutionTimeMs are derived by the registry and cannot be
// set directly.
type TaskUpdate struct {
	Status *TaskStatus
	Method *string
	Result *AnalysisResult
	Error  *string
}

// IsEmpty reports whether the update sets no fields.
func (u TaskUpdate) IsEmpty() bool {
	return u.Status == nil && u.Method == nil && u.Result == nil && u.Error == nil
}

// TaskPatch is the storage-level form of an update, with derived fields
// already computed.
type TaskPatch struct {
	Status          *TaskStatus
	Method          *string
	Result          *AnalysisResult
	Error           *string
	CompletedAt     *time.Time
	ExecutionTimeMs *int64
	UpdatedAt       time.Time
}

// Apply copies the patch onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Method != nil {
		t.Method = *p.Method
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.ExecutionTimeMs != nil {
		t.ExecutionTimeMs = p.ExecutionTimeMs
	}
	t.UpdatedAt = p.UpdatedAt
}

// TaskFilter selects tasks by status for recovery scans.
// Results are ordered oldest first by creation time.
type TaskFilter struct {
	Status TaskStatus
	// UpdatedBefore, when non-zero, restricts to tasks not touched since.
	UpdatedBefore time.Time
	Limit         int
}
