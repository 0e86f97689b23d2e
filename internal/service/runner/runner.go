// Package runner schedules task orchestrations in the background: one
// goroutine per task, a bounded number running at once, staggered batch
// starts, and recovery of work interrupted by a restart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/service/analysis"
	"github.com/ashita-ai/verity/internal/telemetry"
)

// InterruptedMessage is the error recorded on tasks that were processing
// when the previous process stopped.
const InterruptedMessage = "interrupted by restart"

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("runner: shutting down")

// Registry is the task state the runner reads and writes.
type Registry interface {
	Create(ctx context.Context, in model.NewTask) (model.Task, error)
	Update(ctx context.Context, id uuid.UUID, u model.TaskUpdate) (model.Task, error)
	ListPending(ctx context.Context, limit int) ([]model.Task, error)
	ListProcessing(ctx context.Context, before time.Time, limit int) ([]model.Task, error)
}

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, job analysis.Job) (analysis.Outcome, error)
}

// Resolver loads a task's dataset rows.
type Resolver interface {
	Resolve(ctx context.Context, in model.DatasetInput) ([]model.Row, error)
}

// EventLog releases a task's event history once it is no longer needed.
type EventLog interface {
	ScheduleCleanup(taskID uuid.UUID, delay time.Duration)
}

// Config tunes scheduling.
type Config struct {
	MaxConcurrent int
	BatchStagger  time.Duration
	CleanupDelay  time.Duration
	RecoveryLimit int
}

// Defaults for Config.
const (
	DefaultMaxConcurrent = 8
	DefaultBatchStagger  = 2 * time.Second
	DefaultCleanupDelay  = 5 * time.Minute
	DefaultRecoveryLimit = 100
)

// Runner owns background task execution.
type Runner struct {
	registry Registry
	resolver Resolver
	analyzer Analyzer
	events   EventLog
	cfg      Config
	logger   *slog.Logger
	// Processing rows last touched before this belong to a previous process.
	bootedAt time.Time

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	started   metric.Int64Counter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
}

// New creates a Runner. Zero config fields fall back to defaults.
func New(registry Registry, resolver Resolver, analyzer Analyzer, events EventLog, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.BatchStagger < 0 {
		cfg.BatchStagger = 0
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}
	if cfg.RecoveryLimit <= 0 {
		cfg.RecoveryLimit = DefaultRecoveryLimit
	}

	meter := telemetry.Meter("verity/runner")
	started, _ := meter.Int64Counter("verity.tasks.started_total",
		metric.WithDescription("Task orchestrations started"),
	)
	completed, _ := meter.Int64Counter("verity.tasks.completed_total",
		metric.WithDescription("Task orchestrations finished, by final status"),
	)
	duration, _ := meter.Float64Histogram("verity.tasks.duration_ms",
		metric.WithDescription("Wall time from processing start to final status (ms)"),
		metric.WithUnit("ms"),
	)
	inFlight, _ := meter.Int64UpDownCounter("verity.tasks.in_flight",
		metric.WithDescription("Task orchestrations currently holding a concurrency slot"),
	)

	return &Runner{
		registry:  registry,
		resolver:  resolver,
		analyzer:  analyzer,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		bootedAt:  time.Now(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stop:      make(chan struct{}),
		started:   started,
		completed: completed,
		duration:  duration,
		inFlight:  inFlight,
	}
}

// Submit creates a pending task and starts its orchestration in the
// background. It returns as soon as the task is persisted.
func (r *Runner) Submit(ctx context.Context, in model.NewTask) (model.Task, error) {
	if r.stopping() {
		return model.Task{}, ErrShuttingDown
	}
	t, err := r.registry.Create(ctx, in)
	if err != nil {
		return model.Task{}, fmt.Errorf("runner: submit: %w", err)
	}
	r.schedule(t, 0)
	return t, nil
}

// SubmitBatch creates every task under one batch id, then starts task i
// after i*BatchStagger. If a create fails, the tasks already created are
// still scheduled and returned alongside the error.
func (r *Runner) SubmitBatch(ctx context.Context, inputs []model.NewTask) ([]model.Task, uuid.UUID, error) {
	if r.stopping() {
		return nil, uuid.Nil, ErrShuttingDown
	}
	batchID := uuid.New()

	created := make([]model.Task, 0, len(inputs))
	var createErr error
	for _, in := range inputs {
		in.BatchID = &batchID
		t, err := r.registry.Create(ctx, in)
		if err != nil {
			createErr = fmt.Errorf("runner: submit batch %s: %w", batchID, err)
			break
		}
		created = append(created, t)
	}

	for i, t := range created {
		r.schedule(t, time.Duration(i)*r.cfg.BatchStagger)
	}
	r.logger.Info("runner: batch submitted", "batch_id", batchID, "tasks", len(created))
	return created, batchID, createErr
}

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	Interrupted int // processing tasks marked failed
	Rescheduled int // pending tasks started again
}

// Recover repairs state left by a previous process. A single process owns
// every orchestration, so any task still processing from before this Runner
// was created has lost its goroutine: it is marked failed. Pending tasks are
// scheduled again, oldest first. Call it once at startup before accepting
// new submissions.
func (r *Runner) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	orphaned, err := r.registry.ListProcessing(ctx, r.bootedAt, r.cfg.RecoveryLimit)
	if err != nil {
		return report, fmt.Errorf("runner: recover: %w", err)
	}
	for _, t := range orphaned {
		msg := InterruptedMessage
		if _, err := r.registry.Update(ctx, t.ID, model.TaskUpdate{
			Status: ptr(model.TaskStatusFailed),
			Error:  &msg,
		}); err != nil {
			r.logger.Warn("runner: recover: mark interrupted", "task_id", t.ID, "error", err)
			continue
		}
		report.Interrupted++
	}

	pending, err := r.registry.ListPending(ctx, r.cfg.RecoveryLimit)
	if err != nil {
		return report, fmt.Errorf("runner: recover: %w", err)
	}
	for _, t := range pending {
		r.schedule(t, 0)
		report.Rescheduled++
	}

	if report.Interrupted > 0 || report.Rescheduled > 0 {
		r.logger.Info("runner: recovered tasks",
			"interrupted", report.Interrupted, "rescheduled", report.Rescheduled)
	}
	return report, nil
}

// Wait blocks until every scheduled orchestration has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting work and cancels orchestrations that have not
// started yet (they stay pending and are picked up by the next Recover).
// Running orchestrations are not interrupted; Shutdown waits for them until
// ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: shutdown: %w", ctx.Err())
	}
}

func (r *Runner) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// schedule starts the task's orchestration after delay.
func (r *Runner) schedule(t model.Task, delay time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.stop:
				timer.Stop()
				return
			}
		}

		// Acquire a slot, giving up if shutdown begins first.
		slotCtx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-r.stop:
				cancel()
			case <-slotCtx.Done():
			}
		}()
		err := r.sem.Acquire(slotCtx, 1)
		cancel()
		if err != nil {
			r.logger.Debug("runner: shutdown before start, task left pending", "task_id", t.ID)
			return
		}
		defer r.sem.Release(1)

		r.run(t)
	}()
}

// run executes one orchestration to a terminal status. The context is
// detached from any request: a client going away never aborts the work.
func (r *Runner) run(t model.Task) {
	ctx := context.Background()
	start := time.Now()
	r.started.Add(ctx, 1)
	r.inFlight.Add(ctx, 1)
	defer r.inFlight.Add(ctx, -1)
	defer r.events.ScheduleCleanup(t.ID, r.cfg.CleanupDelay)

	status := model.TaskStatusFailed
	defer func() {
		r.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
		r.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("status", string(status))))
	}()

	if _, err := r.registry.Update(ctx, t.ID, model.TaskUpdate{Status: ptr(model.TaskStatusProcessing)}); err != nil {
		r.logger.Error("runner: mark processing", "task_id", t.ID, "error", err)
		r.fail(ctx, t.ID, err)
		return
	}

	rows, err := r.resolver.Resolve(ctx, t.Input)
	if err != nil {
		r.fail(ctx, t.ID, err)
		return
	}

	out, err := r.analyzer.Analyze(ctx, analysis.Job{
		TaskID: t.ID,
		Prompt: t.Prompt,
		Rows:   rows,
		Input:  t.Input,
	})
	if err != nil {
		r.fail(ctx, t.ID, err)
		return
	}

	if _, err := r.registry.Update(ctx, t.ID, model.TaskUpdate{
		Status: ptr(model.TaskStatusCompleted),
		Method: &out.Method,
		Result: out.Result,
	}); err != nil {
		r.logger.Error("runner: record result", "task_id", t.ID, "error", err)
		r.fail(ctx, t.ID, fmt.Errorf("runner: record result: %w", err))
		return
	}
	status = model.TaskStatusCompleted
	r.logger.Info("runner: task completed",
		"task_id", t.ID, "method", out.Method, "validations", len(out.Result.Validations),
		"duration_ms", time.Since(start).Milliseconds())
}

func (r *Runner) fail(ctx context.Context, id uuid.UUID, cause error) {
	msg := cause.Error()
	if _, err := r.registry.Update(ctx, id, model.TaskUpdate{
		Status: ptr(model.TaskStatusFailed),
		Error:  &msg,
	}); err != nil {
		r.logger.Error("runner: record failure", "task_id", id, "error", err, "cause", cause)
		return
	}
	r.logger.Warn("runner: task failed", "task_id", id, "error", cause)
}

func ptr[T any](v T) *T { return &v }
