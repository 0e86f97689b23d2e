package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible engine.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string        // optional; any OpenAI-compatible endpoint
	Timeout time.Duration // per call; 0 means no client-side timeout
}

// DefaultModel is used when OpenAIConfig.Model is empty.
const DefaultModel = "gpt-4o"

// OpenAIEngine implements Engine with chat completions and function tools.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine creates an engine. The API key is required.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analysis: openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Method returns "openai:<model>".
func (e *OpenAIEngine) Method() string {
	return "openai:" + e.model
}

// Complete sends one chat completion request.
func (e *OpenAIEngine) Complete(ctx context.Context, req Request) (Response, error) {
	creq := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: toOpenAIMessages(req),
	}
	if len(req.Tools) > 0 {
		creq.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			creq.Tools = append(creq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		if req.ToolChoice.IsAuto() {
			creq.ToolChoice = "auto"
		} else {
			creq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.Name},
			}
		}
	}

	resp, err := e.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Response{}, fmt.Errorf("openai: create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	out := Response{StopReason: string(choice.FinishReason)}
	if text := strings.TrimSpace(choice.Message.Content); text != "" {
		out.Content = append(out.Content, ContentBlock{Type: BlockText, Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.Content = append(out.Content, ContentBlock{
			Type:      BlockToolUse,
			ToolUseID: tc.ID,
			Name:      tc.Function.Name,
			Input:     json.RawMessage(args),
		})
	}
	return out, nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: joinText(m.Content),
			})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: joinText(m.Content),
			}
			for _, b := range m.Content {
				if b.Type != BlockToolUse {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			}
			msgs = append(msgs, msg)
		case RoleTool:
			// One tool message per result, each paired by call id.
			for _, b := range m.Content {
				if b.Type != BlockToolResult {
					continue
				}
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Text,
					ToolCallID: b.ToolUseID,
				})
			}
		}
	}
	return msgs
}

func joinText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
