package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	taskURIPrefix = "verity://tasks/"
	eventsSuffix  = "/events"
)

func (s *Server) registerResources() {
	// verity://tasks/{id} is the full task record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"verity://tasks/{id}",
			"Validation Task",
			mcplib.WithTemplateDescription("Full record of a validation task, including its result once completed"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTaskResource,
	)

	// verity://tasks/{id}/events is the task's in-memory event log.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"verity://tasks/{id}/events",
			"Validation Task Events",
			mcplib.WithTemplateDescription("Progress events recorded for a validation task"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTaskEventsResource,
	)
}

func (s *Server) handleTaskResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, events, err := parseTaskURI(uri)
	if err != nil || events {
		return nil, fmt.Errorf("mcp: invalid task URI: %s", uri)
	}

	task, ok, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: read task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("mcp: task not found: %s", id)
	}
	return jsonResource(uri, task)
}

func (s *Server) handleTaskEventsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, events, err := parseTaskURI(uri)
	if err != nil || !events {
		return nil, fmt.Errorf("mcp: invalid task events URI: %s", uri)
	}

	history := s.events.History(id)
	if len(history) == 0 {
		if _, ok, err := s.tasks.Get(ctx, id); err != nil {
			return nil, fmt.Errorf("mcp: read task: %w", err)
		} else if !ok {
			return nil, fmt.Errorf("mcp: task not found: %s", id)
		}
	}
	return jsonResource(uri, map[string]any{
		"task_id": id,
		"events":  history,
	})
}

// parseTaskURI extracts the task id from verity://tasks/{id} or
// verity://tasks/{id}/events.
func parseTaskURI(uri string) (id uuid.UUID, events bool, err error) {
	rest, ok := strings.CutPrefix(uri, taskURIPrefix)
	if !ok {
		return uuid.Nil, false, fmt.Errorf("missing %s prefix", taskURIPrefix)
	}
	if trimmed, ok := strings.CutSuffix(rest, eventsSuffix); ok {
		rest, events = trimmed, true
	}
	id, err = uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed task id %q", rest)
	}
	return id, events, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
