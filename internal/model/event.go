package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the category of a task progress event.
type EventKind string

const (
	EventAnalysisStart    EventKind = "analysis_start"
	EventAnalysisComplete EventKind = "analysis_complete"
	EventToolStart        EventKind = "tool_start"
	EventToolComplete     EventKind = "tool_complete"
	EventToolError        EventKind = "tool_error"
)

// TaskEvent is a single progress notification for one task.
// Events for a task are stored and replayed in emission order.
type TaskEvent struct {
	TaskID      uuid.UUID      `json:"task_id"`
	Kind        EventKind      `json:"type"`
	Tool        ToolKind       `json:"tool,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
