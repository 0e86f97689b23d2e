// Package mcp implements the Model Context Protocol server for Verity.
//
// Agents submit validation tasks and follow their progress through MCP
// tools, resources and prompts. Everything goes through the same runner,
// registry and event bus as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/verity/internal/model"
)

// Submitter accepts tasks for background processing.
type Submitter interface {
	Submit(ctx context.Context, in model.NewTask) (model.Task, error)
}

// TaskReader reads task state.
type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (model.Task, bool, error)
}

// EventHistory returns the events recorded for a task.
type EventHistory interface {
	History(taskID uuid.UUID) []model.TaskEvent
}

// Server wraps the MCP server with Verity's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	submitter Submitter
	tasks     TaskReader
	events    EventHistory
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(submitter Submitter, tasks TaskReader, events EventHistory, logger *slog.Logger, version string) *Server {
	s := &Server{
		submitter: submitter,
		tasks:     tasks,
		events:    events,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"verity",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Verity validates tabular datasets against a natural-language request.
Submit work with verity_validate, then poll verity_task_status until the
status is completed or failed. verity_task_events shows what the analysis
is doing while it runs.`

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
