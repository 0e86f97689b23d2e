// Package eventbus provides per-task ordered event logs with live fan-out to
// in-process subscribers.
//
// A Bus keeps each task's history in a bounded, TTL-evicting cache so that a
// stream connecting late (or reconnecting) replays everything emitted so far
// before receiving live events. Delivery is in-process only.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/verity/internal/cache"
	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/telemetry"
)

// Default sizing for task event logs.
const (
	DefaultMaxTasks       = 500
	DefaultTTL            = 30 * time.Minute
	DefaultMaxCleanupRuns = 12
)

// Callback receives events for one task. Callbacks run synchronously while
// the bus lock is held: they must be cheap and must not call back into the Bus.
type Callback func(model.TaskEvent)

type subscription struct {
	id uint64
	cb Callback
}

type pendingCleanup struct {
	timer  *time.Timer
	rearms int
}

// Config sizes a Bus.
type Config struct {
	MaxTasks int           // task logs tracked at once
	TTL      time.Duration // lifetime of a task log since its last event
	// MaxCleanupRearms bounds how many times a cleanup that found live
	// subscribers is re-checked. After that the log is left to TTL eviction.
	MaxCleanupRearms int
}

// Bus is the per-process event registry. Construct one at startup and pass it
// to every component that publishes or subscribes.
type Bus struct {
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	logs     *cache.BoundedCache[uuid.UUID, []model.TaskEvent]
	subs     map[uuid.UUID][]subscription
	cleanups map[uuid.UUID]*pendingCleanup
	nextID   uint64
	closed   bool

	published metric.Int64Counter
	failures  metric.Int64Counter
}

// New creates a Bus. Zero config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxCleanupRearms < 0 {
		cfg.MaxCleanupRearms = 0
	}
	b := &Bus{
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		logs:     cache.New[uuid.UUID, []model.TaskEvent](cfg.MaxTasks, cfg.TTL),
		subs:     make(map[uuid.UUID][]subscription),
		cleanups: make(map[uuid.UUID]*pendingCleanup),
	}
	b.registerMetrics()
	return b
}

// Publish appends event to the task's log and delivers it to every current
// subscriber in registration order. A panicking subscriber is logged and
// skipped; it never affects other subscribers or the stored history.
func (b *Bus) Publish(taskID uuid.UUID, event model.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event.TaskID = taskID
	history, _ := b.logs.Get(taskID)
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if n := len(history); n > 0 && event.Timestamp.Before(history[n-1].Timestamp) {
		event.Timestamp = history[n-1].Timestamp
	}
	b.logs.Set(taskID, append(history, event))

	if b.published != nil {
		b.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(event.Kind))))
	}

	for _, s := range b.subs[taskID] {
		b.deliver(taskID, s, event)
	}
}

// Subscribe registers cb for taskID. Before returning it replays the task's
// existing history to cb in original order; afterwards cb receives every
// event published for the task. Replay and registration happen under one
// lock, so no event is missed or duplicated between them.
//
// The returned function removes this subscription. It is safe to call more
// than once.
func (b *Bus) Subscribe(taskID uuid.UUID, cb Callback) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := subscription{id: b.nextID, cb: cb}

	history, _ := b.logs.Get(taskID)
	for _, ev := range history {
		b.deliver(taskID, s, ev)
	}
	b.subs[taskID] = append(b.subs[taskID], s)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(taskID, s.id) })
	}
}

func (b *Bus) unsubscribe(taskID uuid.UUID, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[taskID]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, taskID)
		return
	}
	b.subs[taskID] = subs
}

// History returns a copy of the task's event log, oldest first. Unknown or
// evicted tasks return an empty slice.
func (b *Bus) History(taskID uuid.UUID) []model.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	history, _ := b.logs.Get(taskID)
	out := make([]model.TaskEvent, len(history))
	copy(out, history)
	return out
}

// HasHistory reports whether the bus holds a live log for taskID.
func (b *Bus) HasHistory(taskID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logs.Has(taskID)
}

// SubscriberCount returns the number of live subscribers for taskID.
func (b *Bus) SubscriberCount(taskID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// Remove deletes the task's log and subscribers immediately and cancels any
// pending cleanup.
func (b *Bus) Remove(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(taskID)
}

func (b *Bus) removeLocked(taskID uuid.UUID) {
	b.logs.Delete(taskID)
	delete(b.subs, taskID)
	if pc, ok := b.cleanups[taskID]; ok {
		pc.timer.Stop()
		delete(b.cleanups, taskID)
	}
}

// ScheduleCleanup removes the task's state after delay, but only if it has no
// live subscribers at that moment, so a client mid-reconnect keeps its
// history. When subscribers remain, the check is re-armed after another delay,
// at most MaxCleanupRearms times; past that the log is left to TTL eviction.
// A later call for the same task replaces any pending cleanup.
func (b *Bus) ScheduleCleanup(taskID uuid.UUID, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if pc, ok := b.cleanups[taskID]; ok {
		pc.timer.Stop()
	}
	pc := &pendingCleanup{}
	pc.timer = time.AfterFunc(delay, func() { b.runCleanup(taskID, pc, delay) })
	b.cleanups[taskID] = pc
}

func (b *Bus) runCleanup(taskID uuid.UUID, pc *pendingCleanup, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A newer schedule or a Remove superseded this one.
	if b.cleanups[taskID] != pc {
		return
	}
	if n := len(b.subs[taskID]); n > 0 {
		if b.closed || pc.rearms >= b.cfg.MaxCleanupRearms {
			delete(b.cleanups, taskID)
			b.logger.Debug("eventbus: cleanup skipped, subscribers still attached",
				"task_id", taskID, "subscribers", n)
			return
		}
		pc.rearms++
		pc.timer = time.AfterFunc(delay, func() { b.runCleanup(taskID, pc, delay) })
		return
	}
	b.removeLocked(taskID)
	b.logger.Debug("eventbus: task log removed", "task_id", taskID)
}

// Close cancels all pending cleanups. The bus remains readable; further
// ScheduleCleanup calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, pc := range b.cleanups {
		pc.timer.Stop()
		delete(b.cleanups, id)
	}
}

// deliver invokes one callback, isolating panics.
func (b *Bus) deliver(taskID uuid.UUID, s subscription, ev model.TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("eventbus: subscriber callback failed",
				"task_id", taskID, "subscription", s.id, "kind", ev.Kind, "panic", r)
			if b.failures != nil {
				b.failures.Add(context.Background(), 1)
			}
		}
	}()
	s.cb(ev)
}

// registerMetrics registers bus counters and an observable gauge of tracked
// task logs.
func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("verity/eventbus")

	b.published, _ = meter.Int64Counter("verity.eventbus.published_total",
		metric.WithDescription("Events published to task logs"),
	)
	b.failures, _ = meter.Int64Counter("verity.eventbus.subscriber_failures_total",
		metric.WithDescription("Subscriber callbacks that panicked and were skipped"),
	)
	_, _ = meter.Int64ObservableGauge("verity.eventbus.tracked_tasks",
		metric.WithDescription("Task event logs currently held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.Lock()
			n := b.logs.Len()
			b.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
