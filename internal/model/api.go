package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxPromptLen bounds the user request text.
const MaxPromptLen = 16 * 1024

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// SubmitTaskRequest is the request body for POST /v1/tasks.
type SubmitTaskRequest struct {
	Prompt          string   `json:"prompt"`
	Data            []Row    `json:"data,omitempty"`
	S3Key           string   `json:"s3_key,omitempty"`
	SelectedRows    []int    `json:"selected_rows,omitempty"`
	SelectedColumns []string `json:"selected_columns,omitempty"`
	SessionID       *string  `json:"session_id,omitempty"`
}

// Validate checks the request shape.
func (r SubmitTaskRequest) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if len(r.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if len(r.Data) == 0 && r.S3Key == "" {
		return errors.New("one of data or s3_key is required")
	}
	if len(r.Data) > 0 && r.S3Key != "" {
		return errors.New("data and s3_key are mutually exclusive")
	}
	for _, idx := range r.SelectedRows {
		if idx < 0 {
			return fmt.Errorf("selected_rows contains negative index %d", idx)
		}
	}
	return nil
}

// DatasetInput converts the request into a task dataset reference.
func (r SubmitTaskRequest) DatasetInput() DatasetInput {
	return DatasetInput{
		Rows:            r.Data,
		S3Key:           r.S3Key,
		SelectedRows:    r.SelectedRows,
		SelectedColumns: r.SelectedColumns,
	}
}

// SubmitBatchRequest is the request body for POST /v1/tasks/batch.
type SubmitBatchRequest struct {
	Tasks []SubmitTaskRequest `json:"tasks"`
}

// MaxBatchSize bounds the number of tasks in one batch submission.
const MaxBatchSize = 50

// SubmitTaskResponse is returned when a task is accepted.
type SubmitTaskResponse struct {
	TaskID  uuid.UUID  `json:"task_id"`
	Status  TaskStatus `json:"status"`
	BatchID *uuid.UUID `json:"batch_id,omitempty"`
}

// Stream message types written over SSE.
const (
	StreamConnected    = "connected"
	StreamTaskEvent    = "task_event"
	StreamTaskComplete = "task_complete"
	StreamError        = "error"
)

// StreamMessage is one SSE data payload.
type StreamMessage struct {
	Type    string          `json:"type"`
	TaskID  uuid.UUID       `json:"taskId"`
	Event   *TaskEvent      `json:"event,omitempty"`
	Status  TaskStatus      `json:"status,omitempty"`
	Result  *AnalysisResult `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SubmitBatchResponse is returned when a batch is accepted. Error is set
// when only a prefix of the batch could be created; Tasks lists the tasks
// that were accepted and will run.
type SubmitBatchResponse struct {
	BatchID uuid.UUID            `json:"batch_id"`
	Tasks   []SubmitTaskResponse `json:"tasks"`
	Error   *ErrorDetail         `json:"error,omitempty"`
}

// TaskEventsResponse is returned by GET /v1/tasks/{task_id}/events.
type TaskEventsResponse struct {
	TaskID uuid.UUID   `json:"task_id"`
	Events []TaskEvent `json:"events"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Engine  string `json:"engine"`
	Uptime  int64  `json:"uptime_seconds"`
}
