// Package analysis drives an external tool-using engine through a two-phase
// conversation (free-form research, then forced structured output) and
// narrates its progress as task events.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
)

// Error kinds surfaced by Analyze. Both terminate the task as failed.
var (
	// ErrEngineCall means the engine call itself failed or timed out.
	ErrEngineCall = errors.New("analysis: engine call failed")
	// ErrMalformedOutput means the engine replied without a usable
	// structured result.
	ErrMalformedOutput = errors.New("analysis: malformed engine output")
)

// Engine is an external model that accepts a conversation plus tool
// definitions and replies with text and tool invocations.
type Engine interface {
	Complete(ctx context.Context, req Request) (Response, error)
	// Method identifies the engine and model, e.g. "openai:gpt-4o".
	Method() string
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType distinguishes content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of message content.
//
// Text blocks use Text. Tool-use blocks carry ToolUseID, Name and Input.
// Tool-result blocks carry the ToolUseID they answer and the result Text.
type ContentBlock struct {
	Type      BlockType
	Text      string
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolSpec describes a tool the engine may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// ToolChoice controls whether the engine picks tools freely or must call one.
type ToolChoice struct {
	Name string // empty means the engine decides
}

// Auto lets the engine decide whether to call tools.
func Auto() ToolChoice { return ToolChoice{} }

// Force requires the engine to call the named tool.
func Force(name string) ToolChoice { return ToolChoice{Name: name} }

// IsAuto reports whether the engine decides.
func (c ToolChoice) IsAuto() bool { return c.Name == "" }

// Request is one engine call.
type Request struct {
	System     string
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice ToolChoice
}

// Response is the engine's reply to one Request.
type Response struct {
	Content    []ContentBlock
	StopReason string
}

// ToolUses returns the tool-use blocks in reply order.
func (r Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Text joins the reply's text blocks.
func (r Response) Text() string {
	var s string
	for _, b := range r.Content {
		if b.Type == BlockText && b.Text != "" {
			if s != "" {
				s += "\n"
			}
			s += b.Text
		}
	}
	return s
}
