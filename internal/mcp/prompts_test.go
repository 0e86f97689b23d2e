package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDatasetPrompt(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleValidateDatasetPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "validate-dataset",
			Arguments: map[string]string{"goal": "emails are deliverable"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "emails are deliverable")
	require.Len(t, result.Messages, 1)

	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok)
	for _, tool := range []string{"verity_validate", "verity_task_status", "verity_task_events"} {
		assert.Contains(t, tc.Text, tool)
	}
}

func TestValidateDatasetPrompt_MissingGoal(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleValidateDatasetPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "validate-dataset", Arguments: map[string]string{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goal")
}
