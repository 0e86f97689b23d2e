package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/verity/internal/dataset"
	"github.com/ashita-ai/verity/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedEngine replies with queued responses in order and records requests.
type scriptedEngine struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	requests  []Request
}

func (e *scriptedEngine) Method() string { return "fake:test" }

func (e *scriptedEngine) Complete(_ context.Context, req Request) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.requests)
	e.requests = append(e.requests, req)
	if i < len(e.errs) && e.errs[i] != nil {
		return Response{}, e.errs[i]
	}
	if i >= len(e.responses) {
		return Response{}, errors.New("scriptedEngine: no response queued")
	}
	return e.responses[i], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.TaskEvent
}

func (p *recordingPublisher) Publish(_ uuid.UUID, ev model.TaskEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// trail renders events as "kind:tool" for order assertions.
func (p *recordingPublisher) trail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = string(e.Kind)
		if e.Tool != model.ToolNone {
			out[i] += ":" + string(e.Tool)
		}
	}
	return out
}

func textReply(s string) Response {
	return Response{Content: []ContentBlock{{Type: BlockText, Text: s}}, StopReason: "stop"}
}

func toolReply(id, name, input string) Response {
	return Response{
		Content:    []ContentBlock{{Type: BlockToolUse, ToolUseID: id, Name: name, Input: json.RawMessage(input)}},
		StopReason: "tool_calls",
	}
}

const validOutput = `{
	"analysis": "One bad email.",
	"validations": [
		{"row_index": 0, "column": "email", "status": "error", "original_value": "bad",
		 "reason": "Missing @ symbol in email address"}
	]
}`

var jobTaskID = uuid.MustParse("7d1e5b9a-3c2f-4a6b-8e0d-1f2a3b4c5d6e")

func newJob() Job {
	return Job{
		TaskID: jobTaskID,
		Prompt: "validate emails",
		Rows:   []model.Row{{"email": "bad"}},
	}
}

func TestAnalyzeWithoutToolCalls(t *testing.T) {
	engine := &scriptedEngine{responses: []Response{
		textReply("The email column has an invalid value."),
		toolReply("call_so", "structured_output", validOutput),
	}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	out, err := o.Analyze(context.Background(), newJob())
	require.NoError(t, err)
	assert.Equal(t, "fake:test", out.Method)
	require.Len(t, out.Result.Validations, 1)
	assert.Equal(t, model.ValidationError, out.Result.Validations[0].Status)

	assert.Equal(t, []string{
		"analysis_start",
		"tool_start:structured_output",
		"tool_complete:structured_output",
		"analysis_complete",
	}, pub.trail())

	// Exactly one structured-output turn, after the research turn.
	require.Len(t, engine.requests, 2)
	assert.True(t, engine.requests[0].ToolChoice.IsAuto())
	assert.Equal(t, "structured_output", engine.requests[1].ToolChoice.Name)
	require.Len(t, engine.requests[1].Tools, 1)
	assert.Equal(t, "structured_output", engine.requests[1].Tools[0].Name)
}

func TestAnalyzeWithSearchOrdersEvents(t *testing.T) {
	engine := &scriptedEngine{responses: []Response{
		toolReply("call_ws", "web_search", `{"query":"valid TLDs"}`),
		textReply("Search confirms the rule."),
		toolReply("call_so", "structured_output", validOutput),
	}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	_, err := o.Analyze(context.Background(), newJob())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"analysis_start",
		"tool_start:web_search",
		"tool_complete:web_search",
		"tool_start:structured_output",
		"tool_complete:structured_output",
		"analysis_complete",
	}, pub.trail())
	assert.Equal(t, `Searching the web for "valid TLDs"`, pub.events[1].Description)

	// The tool-result turn pairs a result with the call id.
	require.Len(t, engine.requests, 3)
	msgs := engine.requests[1].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, RoleTool, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "call_ws", last.Content[0].ToolUseID)
	assert.Equal(t, BlockToolResult, last.Content[0].Type)
}

func TestAnalyzeNarratesOnlyInvokedTools(t *testing.T) {
	engine := &scriptedEngine{responses: []Response{
		{Content: []ContentBlock{
			{Type: BlockToolUse, ToolUseID: "c1", Name: "bash", Input: json.RawMessage(`{"command":"wc -l"}`)},
			{Type: BlockToolUse, ToolUseID: "c2", Name: "image_gen", Input: json.RawMessage(`{}`)},
		}},
		textReply("done"),
		toolReply("call_so", "structured_output", validOutput),
	}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	_, err := o.Analyze(context.Background(), newJob())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"analysis_start",
		"tool_start:bash",
		"tool_complete:bash",
		"tool_start:structured_output",
		"tool_complete:structured_output",
		"analysis_complete",
	}, pub.trail())

	// The unknown tool is still acknowledged in the transcript.
	msgs := engine.requests[1].Messages
	results := msgs[len(msgs)-1].Content
	require.Len(t, results, 2)
	assert.Equal(t, "c2", results[1].ToolUseID)
	assert.Contains(t, results[1].Text, "not available")
}

func TestAnalyzeResearchFailure(t *testing.T) {
	cause := errors.New("connection reset")
	engine := &scriptedEngine{errs: []error{cause}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	out, err := o.Analyze(context.Background(), newJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineCall)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, out.Result)
	assert.Equal(t, []string{"analysis_start", "tool_error"}, pub.trail())
	assert.Contains(t, pub.events[1].Description, "connection reset")
}

func TestAnalyzeToolResultTurnFailureNamesTool(t *testing.T) {
	engine := &scriptedEngine{
		responses: []Response{toolReply("c1", "web_search", `{"query":"x"}`)},
		errs:      []error{nil, errors.New("timeout")},
	}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	_, err := o.Analyze(context.Background(), newJob())
	assert.ErrorIs(t, err, ErrEngineCall)
	assert.Equal(t, []string{"analysis_start", "tool_start:web_search", "tool_error:web_search"}, pub.trail())
}

func TestAnalyzeMissingStructuredCall(t *testing.T) {
	engine := &scriptedEngine{responses: []Response{
		textReply("thinking"),
		textReply("I refuse to use tools."),
	}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	_, err := o.Analyze(context.Background(), newJob())
	assert.ErrorIs(t, err, ErrMalformedOutput)
	assert.Equal(t, []string{
		"analysis_start",
		"tool_start:structured_output",
		"tool_error:structured_output",
	}, pub.trail())
}

func TestAnalyzeSchemaViolation(t *testing.T) {
	engine := &scriptedEngine{responses: []Response{
		textReply("ok"),
		toolReply("call_so", "structured_output", `{"analysis":"x","validations":[{"row_index":-1,"column":"a","status":"bogus","original_value":1,"reason":"r"}]}`),
	}}
	pub := &recordingPublisher{}
	o := NewOrchestrator(engine, pub, dataset.Limits{}, testLogger())

	_, err := o.Analyze(context.Background(), newJob())
	assert.ErrorIs(t, err, ErrMalformedOutput)
	assert.NotContains(t, pub.trail(), "analysis_complete")
}

func TestAnalyzeMockMode(t *testing.T) {
	pub := &recordingPublisher{}
	o := NewOrchestrator(nil, pub, dataset.Limits{}, testLogger())
	require.True(t, o.Mock())

	out, err := o.Analyze(context.Background(), newJob())
	require.NoError(t, err)
	assert.Equal(t, MethodMock, out.Method)
	require.Len(t, out.Result.Validations, 1)
	v := out.Result.Validations[0]
	assert.Equal(t, model.ValidationError, v.Status)
	assert.Equal(t, "email", v.Column)
	assert.Equal(t, 0, v.RowIndex)
	assert.Contains(t, v.Reason, "@")

	// No tool events in mock mode.
	assert.Equal(t, []string{"analysis_start", "analysis_complete"}, pub.trail())
}

func TestAnalyzeStampsTaskID(t *testing.T) {
	pub := &recordingPublisher{}
	o := NewOrchestrator(nil, pub, dataset.Limits{}, testLogger())
	_, err := o.Analyze(context.Background(), newJob())
	require.NoError(t, err)
	for _, e := range pub.events {
		assert.Equal(t, jobTaskID, e.TaskID)
	}
}
