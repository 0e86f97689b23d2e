package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/verity/internal/dataset"
	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/telemetry"
)

// Publisher receives progress events. eventbus.Bus satisfies it.
type Publisher interface {
	Publish(taskID uuid.UUID, event model.TaskEvent)
}

// Job is one analysis request.
type Job struct {
	TaskID uuid.UUID
	Prompt string
	Rows   []model.Row
	Input  model.DatasetInput // row and column selection
}

// Outcome is a successful analysis.
type Outcome struct {
	Result *model.AnalysisResult
	Method string
}

// Orchestrator runs the research / structured-output protocol for one task
// at a time per call. It is safe for concurrent use by multiple tasks.
type Orchestrator struct {
	engine Engine // nil selects the mock analysis
	events Publisher
	limits dataset.Limits
	logger *slog.Logger
	tracer trace.Tracer

	turnDuration metric.Float64Histogram
}

// NewOrchestrator creates an Orchestrator. A nil engine runs the
// deterministic mock analysis instead of calling out.
func NewOrchestrator(engine Engine, events Publisher, limits dataset.Limits, logger *slog.Logger) *Orchestrator {
	turnDur, _ := telemetry.Meter("verity/analysis").Float64Histogram("verity.analysis.turn_duration",
		metric.WithDescription("Engine call latency per conversation turn (ms)"),
		metric.WithUnit("ms"),
	)
	return &Orchestrator{
		engine:       engine,
		events:       events,
		limits:       limits,
		logger:       logger,
		tracer:       telemetry.Tracer("verity/analysis"),
		turnDuration: turnDur,
	}
}

// Mock reports whether the orchestrator runs without an engine.
func (o *Orchestrator) Mock() bool { return o.engine == nil }

// Analyze validates the job's dataset. Progress is published as task events;
// on failure a tool_error event is published and a single error wrapping
// ErrEngineCall or ErrMalformedOutput is returned. No partial result is
// ever returned alongside an error.
func (o *Orchestrator) Analyze(ctx context.Context, job Job) (Outcome, error) {
	prepared := dataset.Prepare(job.Rows, job.Input, o.limits)
	o.emit(job.TaskID, model.TaskEvent{
		Kind:        model.EventAnalysisStart,
		Description: "Analyzing " + plural(len(prepared.Rows), "row"),
		Details: map[string]any{
			"rows":      len(prepared.Rows),
			"columns":   prepared.Columns,
			"truncated": prepared.Truncated,
		},
	})

	if o.engine == nil {
		result := mockAnalysis(prepared)
		o.finish(job.TaskID, result)
		return Outcome{Result: result, Method: MethodMock}, nil
	}

	conv := newConversation(systemPrompt, userMessage(job.Prompt, prepared))

	// Research turn: the engine may invoke any number of research tools.
	resp, err := o.call(ctx, "research", conv.request(researchTools, Auto()))
	if err != nil {
		return Outcome{}, o.fail(job.TaskID, model.ToolNone, err)
	}
	conv.addReply(resp)

	if uses := resp.ToolUses(); len(uses) > 0 {
		conv.addToolResults(o.account(job.TaskID, conv, uses))

		// Tool-result turn: hand results back and fold in the reply.
		resp, err = o.call(ctx, "tool_results", conv.request(researchTools, Auto()))
		if err != nil {
			return Outcome{}, o.fail(job.TaskID, firstStarted(conv), err)
		}
		conv.addReply(resp)
		// Follow-up invocations are closed immediately so the transcript
		// stays well-formed before tool choice is forced.
		conv.addToolResults(o.account(job.TaskID, conv, resp.ToolUses()))

		for _, s := range conv.takeStarted() {
			o.emit(job.TaskID, model.TaskEvent{
				Kind:        model.EventToolComplete,
				Tool:        s.kind,
				Description: s.kind.Label() + " complete",
				Details:     map[string]any{"tool_use_id": s.id},
			})
		}
	}

	// Structured-output turn: forced, so the engine cannot deflect into
	// more research.
	conv.addUserText(structuredInstruction)
	o.emit(job.TaskID, model.TaskEvent{
		Kind:        model.EventToolStart,
		Tool:        model.ToolStructuredOutput,
		Description: summarizeToolUse(model.ToolStructuredOutput, nil),
	})
	resp, err = o.call(ctx, "structured_output",
		conv.request([]ToolSpec{structuredOutputTool}, Force(structuredOutputTool.Name)))
	if err != nil {
		return Outcome{}, o.fail(job.TaskID, model.ToolStructuredOutput, err)
	}

	result, err := structuredResult(resp)
	if err != nil {
		return Outcome{}, o.fail(job.TaskID, model.ToolStructuredOutput, err)
	}
	o.emit(job.TaskID, model.TaskEvent{
		Kind:        model.EventToolComplete,
		Tool:        model.ToolStructuredOutput,
		Description: structuredSummary(result),
		Details: map[string]any{
			"validations":   len(result.Validations),
			"row_deletions": len(result.RowDeletions),
		},
	})

	o.finish(job.TaskID, result)
	return Outcome{Result: result, Method: o.engine.Method()}, nil
}

// account narrates each known tool invocation with tool_start and builds
// the tool-result blocks that pair with it. Unknown tool names still get a
// result so the transcript stays valid, but are not narrated.
func (o *Orchestrator) account(taskID uuid.UUID, conv *conversation, uses []ContentBlock) []ContentBlock {
	results := make([]ContentBlock, 0, len(uses))
	for _, u := range uses {
		kind, known := model.ParseToolKind(u.Name)
		if known && kind == model.ToolStructuredOutput {
			// Not offered in research turns; treat as unknown.
			known = false
		}
		if known {
			o.emit(taskID, model.TaskEvent{
				Kind:        model.EventToolStart,
				Tool:        kind,
				Description: summarizeToolUse(kind, u.Input),
				Details:     map[string]any{"tool_use_id": u.ToolUseID},
			})
			conv.markStarted(u.ToolUseID, kind)
		} else {
			o.logger.Warn("analysis: engine invoked unknown tool", "task_id", taskID, "tool", u.Name)
		}
		results = append(results, ContentBlock{
			Type:      BlockToolResult,
			ToolUseID: u.ToolUseID,
			Text:      toolResultText(kind, known, u.Name),
		})
	}
	return results
}

// call performs one engine turn inside a span.
func (o *Orchestrator) call(ctx context.Context, turn string, req Request) (Response, error) {
	ctx, span := o.tracer.Start(ctx, "analysis."+turn,
		trace.WithAttributes(
			attribute.String("verity.turn", turn),
			attribute.Int("verity.messages", len(req.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := o.engine.Complete(ctx, req)
	if o.turnDuration != nil {
		o.turnDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("turn", turn), attribute.Bool("error", err != nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("%w (%s turn): %w", ErrEngineCall, turn, err)
	}
	span.SetAttributes(attribute.Int("verity.tool_uses", len(resp.ToolUses())))
	return resp, nil
}

// structuredResult extracts and validates the forced structured_output call.
func structuredResult(resp Response) (*model.AnalysisResult, error) {
	for _, u := range resp.ToolUses() {
		if kind, ok := model.ParseToolKind(u.Name); ok && kind == model.ToolStructuredOutput {
			return parseResult(u.Input)
		}
	}
	return nil, fmt.Errorf("%w: engine did not call %s", ErrMalformedOutput, model.ToolStructuredOutput)
}

// fail publishes tool_error for the capability in flight and returns err.
func (o *Orchestrator) fail(taskID uuid.UUID, kind model.ToolKind, err error) error {
	o.emit(taskID, model.TaskEvent{
		Kind:        model.EventToolError,
		Tool:        kind,
		Description: kind.Label() + " failed: " + err.Error(),
		Details:     map[string]any{"error": err.Error()},
	})
	level := slog.LevelWarn
	if errors.Is(err, ErrMalformedOutput) {
		level = slog.LevelError
	}
	o.logger.Log(context.Background(), level, "analysis: task failed",
		"task_id", taskID, "tool", string(kind), "error", err)
	return err
}

func (o *Orchestrator) finish(taskID uuid.UUID, result *model.AnalysisResult) {
	issues := 0
	for _, v := range result.Validations {
		if v.Status != model.ValidationValid {
			issues++
		}
	}
	o.emit(taskID, model.TaskEvent{
		Kind:        model.EventAnalysisComplete,
		Description: "Analysis complete: " + plural(issues, "issue") + " found",
		Details: map[string]any{
			"validations":   len(result.Validations),
			"issues":        issues,
			"row_deletions": len(result.RowDeletions),
		},
	})
}

func (o *Orchestrator) emit(taskID uuid.UUID, ev model.TaskEvent) {
	ev.TaskID = taskID
	o.events.Publish(taskID, ev)
}

func firstStarted(conv *conversation) model.ToolKind {
	if len(conv.started) > 0 {
		return conv.started[0].kind
	}
	return model.ToolNone
}
