// Package tasks owns the durable task lifecycle: creation, the status state
// machine, derived completion fields, and a read-through status cache.
//
// The registry is the only writer of task rows. Each task has a single
// orchestrating goroutine, so updates for one task never race each other.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/verity/internal/cache"
	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/storage"
)

// Sentinel errors. Store failures are wrapped with ErrPersistence and keep
// the underlying cause in the chain.
var (
	ErrPersistence       = errors.New("tasks: persistence failure")
	ErrInvalidTransition = errors.New("tasks: invalid status transition")
	ErrNotFound          = errors.New("tasks: task not found")
)

// Store is the persistence the registry needs. storage.DB and
// storage.SQLiteDB satisfy it.
type Store interface {
	InsertTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, p model.TaskPatch) (model.Task, error)
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
}

// Config sizes the status cache.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Defaults for Config.
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = time.Hour
)

// Registry creates, reads and transitions tasks.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *cache.BoundedCache[uuid.UUID, model.Task]
	reads  singleflight.Group
}

// New creates a Registry over store.
func New(store Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
		cached: cache.New[uuid.UUID, model.Task](cfg.CacheSize, cfg.CacheTTL),
	}
}

// Create inserts a new pending task and returns it.
func (r *Registry) Create(ctx context.Context, in model.NewTask) (model.Task, error) {
	now := r.now().UTC()
	t := model.Task{
		ID:        uuid.New(),
		Prompt:    in.Prompt,
		Status:    model.TaskStatusPending,
		Input:     in.Input,
		SessionID: in.SessionID,
		BatchID:   in.BatchID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.InsertTask(ctx, t); err != nil {
		return model.Task{}, fmt.Errorf("tasks: create: %w: %w", ErrPersistence, err)
	}
	r.remember(t)
	return t, nil
}

// Get returns the task with the given id. A missing task is (zero, false, nil).
// Reads are served from the status cache when possible; concurrent misses
// for the same id share one store read.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (model.Task, bool, error) {
	if t, ok := r.lookup(id); ok {
		return t, true, nil
	}

	v, err, _ := r.reads.Do(id.String(), func() (any, error) {
		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		r.remember(t)
		return t, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Task{}, false, nil
		}
		return model.Task{}, false, fmt.Errorf("tasks: get %s: %w: %w", id, ErrPersistence, err)
	}
	return v.(model.Task), true, nil
}

// Update applies a partial update. An empty update performs no store calls
// and returns the cached snapshot, if any.
//
// Terminal tasks are immutable. Status changes must follow the state machine.
// Entering a terminal status stamps CompletedAt and derives ExecutionTimeMs
// from CreatedAt. A result is only accepted with the transition to completed
// and an error message only with the transition to failed.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, u model.TaskUpdate) (model.Task, error) {
	if u.IsEmpty() {
		t, _ := r.lookup(id)
		return t, nil
	}

	current, ok, err := r.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if !ok {
		return model.Task{}, fmt.Errorf("tasks: update %s: %w", id, ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return model.Task{}, fmt.Errorf("tasks: update %s: task is %s: %w", id, current.Status, ErrInvalidTransition)
	}
	if u.Result != nil && (u.Status == nil || *u.Status != model.TaskStatusCompleted) {
		return model.Task{}, fmt.Errorf("tasks: update %s: result without completion: %w", id, ErrInvalidTransition)
	}
	if u.Error != nil && (u.Status == nil || *u.Status != model.TaskStatusFailed) {
		return model.Task{}, fmt.Errorf("tasks: update %s: error without failure: %w", id, ErrInvalidTransition)
	}

	now := r.now().UTC()
	patch := model.TaskPatch{
		Status:    u.Status,
		Method:    u.Method,
		Result:    u.Result,
		Error:     u.Error,
		UpdatedAt: now,
	}

	if u.Status != nil {
		next := *u.Status
		if !next.Valid() || !current.Status.CanTransitionTo(next) {
			return model.Task{}, fmt.Errorf("tasks: update %s: %s -> %s: %w",
				id, current.Status, next, ErrInvalidTransition)
		}
		switch next {
		case model.TaskStatusCompleted:
			if u.Result == nil {
				return model.Task{}, fmt.Errorf("tasks: update %s: completed without result: %w", id, ErrInvalidTransition)
			}
		case model.TaskStatusFailed:
			if u.Error == nil || *u.Error == "" {
				return model.Task{}, fmt.Errorf("tasks: update %s: failed without error: %w", id, ErrInvalidTransition)
			}
		}
		if next.IsTerminal() {
			elapsed := now.Sub(current.CreatedAt).Milliseconds()
			if elapsed < 0 {
				elapsed = 0
			}
			patch.CompletedAt = &now
			patch.ExecutionTimeMs = &elapsed
		}
	}

	updated, err := r.store.UpdateTask(ctx, id, patch)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.forget(id)
			return model.Task{}, fmt.Errorf("tasks: update %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("tasks: update %s: %w: %w", id, ErrPersistence, err)
	}
	// A store read already in flight may return the row as it was before
	// this write; later callers must not join it.
	r.reads.Forget(id.String())
	r.remember(updated)

	if u.Status != nil {
		r.logger.Debug("tasks: status changed",
			"task_id", id, "from", current.Status, "to", updated.Status)
	}
	return updated, nil
}

// ListPending returns up to limit pending tasks, oldest first.
func (r *Registry) ListPending(ctx context.Context, limit int) ([]model.Task, error) {
	return r.list(ctx, model.TaskFilter{Status: model.TaskStatusPending, Limit: limit})
}

// ListProcessing returns up to limit processing tasks last updated before
// before, oldest first.
func (r *Registry) ListProcessing(ctx context.Context, before time.Time, limit int) ([]model.Task, error) {
	return r.list(ctx, model.TaskFilter{
		Status:        model.TaskStatusProcessing,
		UpdatedBefore: before,
		Limit:         limit,
	})
}

func (r *Registry) list(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	out, err := r.store.ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("tasks: list %s: %w: %w", f.Status, ErrPersistence, err)
	}
	return out, nil
}

func (r *Registry) lookup(id uuid.UUID) (model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached.Get(id)
}

// remember caches t unless a newer snapshot of the same task is already
// cached. Terminal snapshots are never replaced by non-terminal ones.
func (r *Registry) remember(t model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cached.Get(t.ID); ok {
		if cur.UpdatedAt.After(t.UpdatedAt) || (cur.Status.IsTerminal() && !t.Status.IsTerminal()) {
			return
		}
	}
	r.cached.Set(t.ID, t)
}

func (r *Registry) forget(id uuid.UUID) {
	r.mu.Lock()
	r.cached.Delete(id)
	r.mu.Unlock()
}
