package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// validate-dataset walks an agent through submit, poll and review.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("validate-dataset",
			mcplib.WithPromptDescription("Validate a dataset with Verity and act on the findings"),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the data should satisfy, e.g. \"emails are deliverable and customers are unique\""),
				mcplib.RequiredArgument(),
			),
		),
		s.handleValidateDatasetPrompt,
	)
}

func (s *Server) handleValidateDatasetPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	goal := request.Params.Arguments["goal"]
	if goal == "" {
		return nil, fmt.Errorf("goal argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Validate a dataset for: %s", goal),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Validate the dataset against this goal: %s

1. CALL verity_validate with prompt set to the goal and the rows as "data"
   (a JSON array of objects), or "s3_key" if the dataset is stored in the bucket.
   Narrow the work with selected_rows or selected_columns when only part of
   the data matters.

2. POLL verity_task_status with the returned task_id until status is
   "completed" or "failed". verity_task_events shows progress meanwhile.

3. When completed, CALL verity_task_status with include_result=true.
   - "error" and "conflict" validations need fixing before the data is used.
   - "warning" validations deserve a look; apply suggested_value where it fits.
   - Treat row_deletions with "high" confidence as strong candidates for removal.

4. If the task failed, report the error and do not retry more than once.`, goal),
				},
			},
		},
	}, nil
}
