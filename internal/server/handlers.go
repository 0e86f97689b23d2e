package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/service/runner"
)

// Submitter accepts tasks for background processing.
type Submitter interface {
	Submit(ctx context.Context, in model.NewTask) (model.Task, error)
	SubmitBatch(ctx context.Context, inputs []model.NewTask) ([]model.Task, uuid.UUID, error)
}

// TaskReader reads task state.
type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (model.Task, bool, error)
}

// EventHistory returns the events recorded for a task.
type EventHistory interface {
	History(taskID uuid.UUID) []model.TaskEvent
}

// Streamer writes a task's event stream to w.
type Streamer interface {
	Stream(ctx context.Context, taskID uuid.UUID, w io.Writer)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	submitter           Submitter
	tasks               TaskReader
	events              EventHistory
	streamer            Streamer
	storage             Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	engineMethod        string
	maxRequestBodyBytes int64

	// closing is cancelled when the server starts shutting down so open
	// streams end instead of holding Shutdown until its deadline.
	closing context.Context
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Storage is optional; without it /health reports storage as "unknown".
type HandlersDeps struct {
	Submitter           Submitter
	Tasks               TaskReader
	Events              EventHistory
	Streamer            Streamer
	Storage             Pinger
	Logger              *slog.Logger
	Version             string
	EngineMethod        string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		submitter:           d.Submitter,
		tasks:               d.Tasks,
		events:              d.Events,
		streamer:            d.Streamer,
		storage:             d.Storage,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		engineMethod:        d.EngineMethod,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		closing:             context.Background(),
	}
}

// HandleSubmitTask handles POST /v1/tasks.
func (h *Handlers) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	task, err := h.submitter.Submit(r.Context(), newTask(req))
	if err != nil {
		h.submitFailed(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, submitResponse(task))
}

// HandleSubmitBatch handles POST /v1/tasks/batch.
func (h *Handlers) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitBatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tasks must not be empty")
		return
	}
	if len(req.Tasks) > model.MaxBatchSize {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("batch exceeds maximum of %d tasks", model.MaxBatchSize))
		return
	}

	inputs := make([]model.NewTask, len(req.Tasks))
	for i, t := range req.Tasks {
		if err := t.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("tasks[%d]: %v", i, err))
			return
		}
		inputs[i] = newTask(t)
	}

	tasks, batchID, err := h.submitter.SubmitBatch(r.Context(), inputs)
	if err != nil && len(tasks) == 0 {
		h.submitFailed(w, r, err)
		return
	}
	resp := model.SubmitBatchResponse{BatchID: batchID, Tasks: make([]model.SubmitTaskResponse, len(tasks))}
	for i, t := range tasks {
		resp.Tasks[i] = submitResponse(t)
	}
	if err != nil {
		// The created tasks are already scheduled; report them with the failure.
		h.logger.Error("submit batch partially failed", "error", err, "batch_id", batchID,
			"created", len(tasks), "requested", len(inputs), "request_id", RequestIDFromContext(r.Context()))
		resp.Error = &model.ErrorDetail{
			Code:    model.ErrCodeInternalError,
			Message: fmt.Sprintf("created %d of %d tasks; the remaining tasks were not submitted", len(tasks), len(inputs)),
			Details: map[string]int{"created": len(tasks), "requested": len(inputs)},
		}
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleGetTask handles GET /v1/tasks/{task_id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
		return
	}
	task, ok, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("get task failed", "task_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load task")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleTaskEvents handles GET /v1/tasks/{task_id}/events.
// History is in-memory only; a known task whose log was evicted returns an
// empty list.
func (h *Handlers) HandleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
		return
	}
	events := h.events.History(id)
	if len(events) == 0 {
		_, ok, err := h.tasks.Get(r.Context(), id)
		if err != nil {
			h.logger.Error("get task failed", "task_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load task")
			return
		}
		if !ok {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
			return
		}
		events = []model.TaskEvent{}
	}
	writeJSON(w, r, http.StatusOK, model.TaskEventsResponse{TaskID: id, Events: events})
}

// HandleTaskStream handles GET /v1/tasks/{task_id}/stream (SSE).
// A malformed id is answered with a plain 404 before the stream opens.
func (h *Handlers) HandleTaskStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Streams outlive the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.closing, cancel)
	defer stop()

	h.streamer.Stream(ctx, id, w)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "unknown",
		Engine:  h.engineMethod,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.storage != nil {
		resp.Storage = "connected"
		if err := h.storage.Ping(r.Context()); err != nil {
			resp.Storage = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) submitFailed(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, runner.ErrShuttingDown) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
		return
	}
	h.logger.Error("submit task failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create task")
}

// parseTaskID reads the task_id path value. Ids are UUIDs; anything else
// cannot name a task.
func parseTaskID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func newTask(req model.SubmitTaskRequest) model.NewTask {
	return model.NewTask{
		Prompt:    req.Prompt,
		Input:     req.DatasetInput(),
		SessionID: req.SessionID,
	}
}

func submitResponse(t model.Task) model.SubmitTaskResponse {
	return model.SubmitTaskResponse{TaskID: t.ID, Status: t.Status, BatchID: t.BatchID}
}
