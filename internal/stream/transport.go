// Package stream relays a task's events to one client as Server-Sent Events.
//
// A stream replays the task's history, forwards live events, and ends with a
// task_complete message once the registry reports a terminal status.
// Disconnecting only ends the stream; the orchestration keeps running.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/verity/internal/eventbus"
	"github.com/ashita-ai/verity/internal/model"
)

// Registry reads task state.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (model.Task, bool, error)
}

// Bus is the event source.
type Bus interface {
	Subscribe(taskID uuid.UUID, cb eventbus.Callback) (unsubscribe func())
	HasHistory(taskID uuid.UUID) bool
	ScheduleCleanup(taskID uuid.UUID, delay time.Duration)
}

// Config tunes timing.
type Config struct {
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	CleanupDelay      time.Duration
	// MissingPollLimit is how many consecutive polls may find no task record
	// before a stream that only had event history gives up.
	MissingPollLimit int
}

// Defaults for Config.
const (
	DefaultPollInterval      = time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultCleanupDelay      = 5 * time.Minute
	DefaultMissingPollLimit  = 30
)

// Transport serves event streams.
type Transport struct {
	registry Registry
	bus      Bus
	cfg      Config
	logger   *slog.Logger
}

// New creates a Transport. Zero config fields fall back to defaults.
func New(registry Registry, bus Bus, cfg Config, logger *slog.Logger) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}
	if cfg.MissingPollLimit <= 0 {
		cfg.MissingPollLimit = DefaultMissingPollLimit
	}
	return &Transport{registry: registry, bus: bus, cfg: cfg, logger: logger}
}

// Stream writes the task's stream to w until the task is terminal, ctx is
// done, a write fails, or the registry keeps reporting no record for the
// task. If w has a Flush method it is called after every
// message. Write errors are not reported: the peer is simply gone.
func (t *Transport) Stream(ctx context.Context, taskID uuid.UUID, w io.Writer) {
	out := &sseWriter{w: w}

	task, ok, err := t.registry.Get(ctx, taskID)
	if err != nil {
		t.logger.Error("stream: load task", "task_id", taskID, "error", err)
		out.message(model.StreamMessage{Type: model.StreamError, TaskID: taskID, Message: "failed to load task"})
		return
	}
	if !ok && !t.bus.HasHistory(taskID) {
		out.message(model.StreamMessage{Type: model.StreamError, TaskID: taskID, Message: "task not found"})
		return
	}
	if !out.message(model.StreamMessage{Type: model.StreamConnected, TaskID: taskID}) {
		return
	}

	q := newQueue()
	unsubscribe := t.bus.Subscribe(taskID, q.push)
	defer unsubscribe()

	finish := func(task model.Task) {
		if !t.forward(out, q) {
			return
		}
		out.message(model.StreamMessage{
			Type:   model.StreamTaskComplete,
			TaskID: taskID,
			Status: task.Status,
			Result: task.Result,
			Error:  task.Error,
		})
		unsubscribe()
		t.bus.ScheduleCleanup(taskID, t.cfg.CleanupDelay)
	}

	if ok && task.Status.IsTerminal() {
		finish(task)
		return
	}

	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(t.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	missing := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ready:
			if !t.forward(out, q) {
				return
			}
		case <-poll.C:
			current, found, err := t.registry.Get(ctx, taskID)
			if err != nil {
				t.logger.Warn("stream: poll task", "task_id", taskID, "error", err)
				continue
			}
			if !found {
				missing++
				if missing >= t.cfg.MissingPollLimit {
					t.logger.Warn("stream: task record missing, closing", "task_id", taskID, "polls", missing)
					if t.forward(out, q) {
						out.message(model.StreamMessage{Type: model.StreamError, TaskID: taskID, Message: "task not found"})
					}
					return
				}
				continue
			}
			missing = 0
			if current.Status.IsTerminal() {
				finish(current)
				return
			}
		case <-keepalive.C:
			if !out.comment("keepalive") {
				return
			}
		}
	}
}

// forward writes every queued event. It reports false once the sink fails.
func (t *Transport) forward(out *sseWriter, q *queue) bool {
	for _, ev := range q.drain() {
		if !out.message(model.StreamMessage{Type: model.StreamTaskEvent, TaskID: ev.TaskID, Event: &ev}) {
			return false
		}
	}
	return true
}

// queue buffers events between the bus callback and the writer loop. push
// never blocks, so it is safe to call under the bus lock.
type queue struct {
	mu     sync.Mutex
	events []model.TaskEvent
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(ev model.TaskEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []model.TaskEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// sseWriter frames messages and remembers the first write failure.
type sseWriter struct {
	w      io.Writer
	failed bool
}

func (s *sseWriter) message(msg model.StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return !s.failed
	}
	return s.write(fmt.Sprintf("data: %s\n\n", data))
}

func (s *sseWriter) comment(text string) bool {
	return s.write(":" + text + "\n\n")
}

func (s *sseWriter) write(frame string) bool {
	if s.failed {
		return false
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.failed = true
		return false
	}
	if f, ok := s.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return true
}
