package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/verity/internal/model"
)

func (s *Server) registerTools() {
	// verity_validate submits a dataset for validation.
	s.mcpServer.AddTool(
		mcplib.NewTool("verity_validate",
			mcplib.WithDescription(`Validate a tabular dataset against a natural-language request.

The analysis runs in the background. This tool returns a task_id right away;
poll verity_task_status with it until status is "completed" or "failed".

Provide the dataset either inline as "data" (a JSON array of objects, one
object per row) or as "s3_key" naming a JSON object in the configured bucket.

EXAMPLE: prompt="Check that every email is deliverable and flag duplicate
customers", data='[{"name":"Ann","email":"ann@example.com"}]'`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("prompt",
				mcplib.Description("What to check, in plain language"),
				mcplib.Required(),
			),
			mcplib.WithString("data",
				mcplib.Description("Inline dataset: a JSON array of row objects. Mutually exclusive with s3_key."),
			),
			mcplib.WithString("s3_key",
				mcplib.Description("Object key of a JSON dataset in the configured bucket. Mutually exclusive with data."),
			),
			mcplib.WithArray("selected_rows",
				mcplib.Description("Zero-based row indices to analyze. Omit to analyze all rows."),
				mcplib.Items(map[string]any{"type": "integer", "minimum": 0}),
			),
			mcplib.WithArray("selected_columns",
				mcplib.Description("Column names to analyze. Omit to analyze all columns."),
				mcplib.Items(map[string]any{"type": "string"}),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional caller session identifier, echoed on the task"),
			),
		),
		s.handleValidate,
	)

	// verity_task_status reports a task's state and, once done, its result.
	s.mcpServer.AddTool(
		mcplib.NewTool("verity_task_status",
			mcplib.WithDescription(`Get the status of a validation task.

Returns status (pending, processing, completed, failed) and a short summary.
Set include_result=true to get every cell validation and row deletion
suggestion once the task is completed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_id",
				mcplib.Description("The task_id returned by verity_validate"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_result",
				mcplib.Description("Include the full analysis result instead of a summary"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleTaskStatus,
	)

	// verity_task_events lists progress events recorded for a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("verity_task_events",
			mcplib.WithDescription(`List the progress events of a validation task: analysis start,
each research tool call (web search, shell command), structured output, and
completion or error.

Pass the returned next_cursor as "since" on the next call to receive only
new events. Events are kept in memory for a limited time after the task ends.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_id",
				mcplib.Description("The task_id returned by verity_validate"),
				mcplib.Required(),
			),
			mcplib.WithNumber("since",
				mcplib.Description("Skip events before this position"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
		),
		s.handleTaskEvents,
	)
}

func (s *Server) handleValidate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req, err := parseValidateRequest(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	task, err := s.submitter.Submit(ctx, model.NewTask{
		Prompt:    req.Prompt,
		Input:     req.DatasetInput(),
		SessionID: req.SessionID,
	})
	if err != nil {
		s.logger.Error("mcp: submit task", "error", err)
		return errorResult(fmt.Sprintf("failed to submit task: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"next":    "poll verity_task_status with this task_id",
	}), nil
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, failed := taskIDArg(request)
	if failed != nil {
		return failed, nil
	}

	task, ok, err := s.tasks.Get(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load task: %v", err)), nil
	}
	if !ok {
		return errorResult("task not found: " + id.String()), nil
	}

	if request.GetBool("include_result", false) {
		return jsonResult(task), nil
	}
	return jsonResult(compactTask(task)), nil
}

func (s *Server) handleTaskEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, failed := taskIDArg(request)
	if failed != nil {
		return failed, nil
	}

	events := s.events.History(id)
	if len(events) == 0 {
		_, ok, err := s.tasks.Get(ctx, id)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to load task: %v", err)), nil
		}
		if !ok {
			return errorResult("task not found: " + id.String()), nil
		}
	}

	since := min(max(request.GetInt("since", 0), 0), len(events))
	page := events[since:]
	out := make([]map[string]any, len(page))
	for i, ev := range page {
		out[i] = compactEvent(ev)
	}

	return jsonResult(map[string]any{
		"task_id":     id,
		"events":      out,
		"next_cursor": len(events),
	}), nil
}

// taskIDArg reads the required task_id argument. A value that is not a UUID
// cannot name a task and is reported as not found.
func taskIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("task_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("task not found: " + raw)
	}
	return id, nil
}

// parseValidateRequest maps tool arguments onto the HTTP submission shape so
// both surfaces share one set of validation rules.
func parseValidateRequest(request mcplib.CallToolRequest) (model.SubmitTaskRequest, error) {
	req := model.SubmitTaskRequest{
		Prompt: request.GetString("prompt", ""),
		S3Key:  request.GetString("s3_key", ""),
	}
	if sid := request.GetString("session_id", ""); sid != "" {
		req.SessionID = &sid
	}

	if raw := request.GetString("data", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Data); err != nil {
			return req, fmt.Errorf("data must be a JSON array of objects: %w", err)
		}
		if len(req.Data) == 0 {
			return req, errors.New("data must contain at least one row")
		}
	}

	args := request.GetArguments()
	rows, err := intList(args["selected_rows"])
	if err != nil {
		return req, fmt.Errorf("selected_rows: %w", err)
	}
	req.SelectedRows = rows

	cols, err := stringList(args["selected_columns"])
	if err != nil {
		return req, fmt.Errorf("selected_columns: %w", err)
	}
	req.SelectedColumns = cols

	return req, nil
}

// intList converts a decoded JSON array of whole numbers.
func intList(v any) ([]int, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected an array of integers")
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		f, ok := it.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer, got %v", it)
		}
		out = append(out, int(f))
	}
	return out, nil
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		str, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %v", it)
		}
		out = append(out, str)
	}
	return out, nil
}
