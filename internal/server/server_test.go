package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/verity/internal/dataset"
	"github.com/ashita-ai/verity/internal/eventbus"
	"github.com/ashita-ai/verity/internal/mcp"
	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/ratelimit"
	"github.com/ashita-ai/verity/internal/server"
	"github.com/ashita-ai/verity/internal/service/analysis"
	"github.com/ashita-ai/verity/internal/service/runner"
	"github.com/ashita-ai/verity/internal/service/tasks"
	"github.com/ashita-ai/verity/internal/stream"
	"github.com/ashita-ai/verity/internal/testutil"
)

type stack struct {
	srv      *httptest.Server
	registry *tasks.Registry
	bus      *eventbus.Bus
}

// newStack wires the real components over a temporary SQLite database with
// the engine in mock mode.
func newStack(t *testing.T, limiter ratelimit.Limiter) *stack {
	t.Helper()
	logger := testutil.TestLogger()

	store := testutil.NewSQLite(t)
	registry := tasks.New(store, tasks.Config{}, logger)
	bus := eventbus.New(eventbus.Config{}, logger)
	t.Cleanup(bus.Close)

	orchestrator := analysis.NewOrchestrator(nil, bus, dataset.Limits{}, logger)
	run := runner.New(registry, dataset.NewResolver(nil), orchestrator, bus,
		runner.Config{BatchStagger: 10 * time.Millisecond}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = run.Shutdown(ctx)
	})

	transport := stream.New(registry, bus, stream.Config{
		PollInterval:      20 * time.Millisecond,
		KeepaliveInterval: time.Minute,
	}, logger)
	mcpSrv := mcp.New(run, registry, bus, logger, "test")

	srv := server.New(server.ServerConfig{
		Submitter:           run,
		Tasks:               registry,
		Events:              bus,
		Streamer:            transport,
		Storage:             store,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		EngineMethod:        analysis.MethodMock,
		MaxRequestBodyBytes: 64 * 1024,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{srv: ts, registry: registry, bus: bus}
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func (s *stack) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *stack) waitTerminal(t *testing.T, id uuid.UUID) model.Task {
	t.Helper()
	var task model.Task
	require.Eventually(t, func() bool {
		got, ok, err := s.registry.Get(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func submit(t *testing.T, s *stack) model.SubmitTaskResponse {
	t.Helper()
	resp, env := s.do(t, http.MethodPost, "/v1/tasks", model.SubmitTaskRequest{
		Prompt: "check the emails",
		Data:   []model.Row{{"email": "ann@example.com"}, {"email": "not-an-email"}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out model.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newStack(t, nil)

	resp, env := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Storage)
	assert.Equal(t, "mock", health.Engine)
	assert.Equal(t, "test", health.Version)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newStack(t, nil)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "client-supplied")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "client-supplied", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "client-supplied", env.Meta.RequestID)
}

func TestSubmitAndGetTask(t *testing.T) {
	s := newStack(t, nil)
	accepted := submit(t, s)
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, model.TaskStatusPending, accepted.Status)

	s.waitTerminal(t, accepted.TaskID)

	resp, env := s.do(t, http.MethodGet, "/v1/tasks/"+accepted.TaskID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var task model.Task
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, "mock", task.Method)
	require.NotNil(t, task.Result)
	require.Len(t, task.Result.Validations, 1)
	assert.Equal(t, 1, task.Result.Validations[0].RowIndex)
	assert.Equal(t, model.ValidationError, task.Result.Validations[0].Status)
	assert.NotNil(t, task.ExecutionTimeMs)
}

func TestSubmitTask_InvalidInput(t *testing.T) {
	s := newStack(t, nil)

	cases := map[string]any{
		"missing prompt": model.SubmitTaskRequest{Data: []model.Row{{"a": 1}}},
		"missing data":   model.SubmitTaskRequest{Prompt: "check"},
		"unknown field":  `{"prompt":"check","data":[{"a":1}],"bogus":true}`,
		"malformed json": `{"prompt":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, env := s.do(t, http.MethodPost, "/v1/tasks", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
		})
	}
}

func TestSubmitTask_BodyTooLarge(t *testing.T) {
	s := newStack(t, nil)
	big := `{"prompt":"` + strings.Repeat("x", 70*1024) + `","data":[{"a":1}]}`

	resp, env := s.do(t, http.MethodPost, "/v1/tasks", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.NotNil(t, env.Error)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newStack(t, nil)

	resp, env := s.do(t, http.MethodGet, "/v1/tasks/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	resp, _ = s.do(t, http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/tasks/not-a-uuid/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitBatch(t *testing.T) {
	s := newStack(t, nil)
	item := model.SubmitTaskRequest{Prompt: "check", Data: []model.Row{{"phone": "123"}}}

	resp, env := s.do(t, http.MethodPost, "/v1/tasks/batch", model.SubmitBatchRequest{
		Tasks: []model.SubmitTaskRequest{item, item, item},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var batch model.SubmitBatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	assert.NotEmpty(t, batch.BatchID)
	require.Len(t, batch.Tasks, 3)
	for _, accepted := range batch.Tasks {
		require.NotNil(t, accepted.BatchID)
		assert.Equal(t, batch.BatchID, *accepted.BatchID)
		done := s.waitTerminal(t, accepted.TaskID)
		assert.Equal(t, model.TaskStatusCompleted, done.Status)
	}
}

func TestSubmitBatch_Invalid(t *testing.T) {
	s := newStack(t, nil)
	item := model.SubmitTaskRequest{Prompt: "check", Data: []model.Row{{"a": 1}}}

	resp, _ := s.do(t, http.MethodPost, "/v1/tasks/batch", model.SubmitBatchRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tooMany := make([]model.SubmitTaskRequest, model.MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = item
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/tasks/batch", model.SubmitBatchRequest{Tasks: tooMany})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env := s.do(t, http.MethodPost, "/v1/tasks/batch", model.SubmitBatchRequest{
		Tasks: []model.SubmitTaskRequest{item, {Prompt: "no data"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Message, "tasks[1]")
}

func TestTaskEvents(t *testing.T) {
	s := newStack(t, nil)
	accepted := submit(t, s)
	s.waitTerminal(t, accepted.TaskID)

	resp, env := s.do(t, http.MethodGet, "/v1/tasks/"+accepted.TaskID.String()+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.TaskEventsResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotEmpty(t, out.Events)
	assert.Equal(t, model.EventAnalysisStart, out.Events[0].Kind)
	assert.Equal(t, model.EventAnalysisComplete, out.Events[len(out.Events)-1].Kind)
}

func readSSE(t *testing.T, body io.Reader) []model.StreamMessage {
	t.Helper()
	var msgs []model.StreamMessage
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg model.StreamMessage
		require.NoError(t, json.Unmarshal([]byte(data), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestTaskStream(t *testing.T) {
	s := newStack(t, nil)
	accepted := submit(t, s)

	resp, err := http.Get(s.srv.URL + "/v1/tasks/" + accepted.TaskID.String() + "/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	msgs := readSSE(t, resp.Body)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, model.StreamConnected, msgs[0].Type)
	assert.Equal(t, accepted.TaskID, msgs[0].TaskID)

	last := msgs[len(msgs)-1]
	assert.Equal(t, model.StreamTaskComplete, last.Type)
	assert.Equal(t, model.TaskStatusCompleted, last.Status)
	require.NotNil(t, last.Result)

	var kinds []model.EventKind
	for _, m := range msgs {
		if m.Type == model.StreamTaskEvent {
			kinds = append(kinds, m.Event.Kind)
		}
	}
	assert.Contains(t, kinds, model.EventAnalysisStart)
	assert.Contains(t, kinds, model.EventAnalysisComplete)
}

func TestTaskStream_UnknownTask(t *testing.T) {
	s := newStack(t, nil)

	resp, err := http.Get(s.srv.URL + "/v1/tasks/" + uuid.New().String() + "/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	msgs := readSSE(t, resp.Body)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StreamError, msgs[0].Type)
}

func TestTaskStream_MalformedID(t *testing.T) {
	s := newStack(t, nil)

	resp, env := s.do(t, http.MethodGet, "/v1/tasks/ghost/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	s := newStack(t, ratelimit.NewMemoryLimiter(0, 1))
	submit(t, s)

	resp, env := s.do(t, http.MethodPost, "/v1/tasks", model.SubmitTaskRequest{
		Prompt: "again",
		Data:   []model.Row{{"a": 1}},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, env.Meta.RequestID)

	// Reads are not limited.
	resp, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMCPListTools(t *testing.T) {
	s := newStack(t, nil)

	c, err := mcpclient.NewStreamableHttpClient(s.srv.URL + "/mcp")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "verity", initResult.ServerInfo.Name)

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		names[tool.Name] = true
	}
	assert.True(t, names["verity_validate"])
	assert.True(t, names["verity_task_status"])
	assert.True(t, names["verity_task_events"])
}

func TestMCPValidateRoundTrip(t *testing.T) {
	s := newStack(t, nil)

	c, err := mcpclient.NewStreamableHttpClient(s.srv.URL + "/mcp")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err = c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "verity_validate",
			Arguments: map[string]any{
				"prompt": "check emails",
				"data":   `[{"email":"x"}]`,
			},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var accepted struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &accepted))

	done := s.waitTerminal(t, accepted.TaskID)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
}
