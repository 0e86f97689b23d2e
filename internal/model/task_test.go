package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusProcessing, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusProcessing, TaskStatusCompleted, true},
		{TaskStatusProcessing, TaskStatusFailed, true},
		{TaskStatusProcessing, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusCompleted, TaskStatusProcessing, false},
		{TaskStatusFailed, TaskStatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusProcessing.IsTerminal())
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
}

func TestTaskUpdateIsEmpty(t *testing.T) {
	assert.True(t, TaskUpdate{}.IsEmpty())
	method := "mock"
	assert.False(t, TaskUpdate{Method: &method}.IsEmpty())
}

func TestTaskPatchApply(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := Task{ID: uuid.New(), Status: TaskStatusProcessing, CreatedAt: created}

	status := TaskStatusFailed
	msg := "boom"
	done := created.Add(1500 * time.Millisecond)
	ms := int64(1500)
	TaskPatch{Status: &status, Error: &msg, CompletedAt: &done, ExecutionTimeMs: &ms, UpdatedAt: done}.Apply(&task)

	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.Equal(t, done, *task.CompletedAt)
	assert.Equal(t, int64(1500), *task.ExecutionTimeMs)
	assert.Equal(t, done, task.UpdatedAt)
}

func TestParseToolKind(t *testing.T) {
	for _, name := range []string{"web_search", "bash", "structured_output"} {
		k, ok := ParseToolKind(name)
		assert.True(t, ok, name)
		assert.Equal(t, name, string(k))
	}
	_, ok := ParseToolKind("text_editor")
	assert.False(t, ok)
}

func TestSubmitTaskRequestValidate(t *testing.T) {
	ok := SubmitTaskRequest{Prompt: "validate emails", Data: []Row{{"email": "a@b.co"}}}
	assert.NoError(t, ok.Validate())

	assert.ErrorContains(t, SubmitTaskRequest{Data: ok.Data}.Validate(), "prompt is required")
	assert.ErrorContains(t, SubmitTaskRequest{Prompt: "x"}.Validate(), "one of data or s3_key")
	assert.ErrorContains(t, SubmitTaskRequest{Prompt: "x", Data: ok.Data, S3Key: "k"}.Validate(), "mutually exclusive")
	assert.ErrorContains(t, SubmitTaskRequest{Prompt: "x", Data: ok.Data, SelectedRows: []int{-1}}.Validate(), "negative index")
}
