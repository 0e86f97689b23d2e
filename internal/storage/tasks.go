package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/verity/internal/model"
)

const (
	writeRetries   = 3
	writeBaseDelay = 10 * time.Millisecond
)

const taskColumns = `id, prompt, status, method, result, error, input,
	session_id, batch_id, created_at, updated_at, completed_at, execution_time_ms`

// InsertTask stores a new task. ID, status and timestamps must already be set.
func (db *DB) InsertTask(ctx context.Context, t model.Task) error {
	result, err := encodeResult(t.Result)
	if err != nil {
		return err
	}
	input, err := encodeInput(t.Input)
	if err != nil {
		return err
	}

	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO tasks (id, prompt, status, method, result, error, input,
			                    session_id, batch_id, created_at, updated_at, completed_at, execution_time_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.ID, t.Prompt, string(t.Status), t.Method, result, t.Error, input,
			t.SessionID, t.BatchID, t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.ExecutionTimeMs,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID, or ErrNotFound.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a patch and returns the updated row. Nil patch fields
// keep their stored value. Returns ErrNotFound when no row matches.
func (db *DB) UpdateTask(ctx context.Context, id uuid.UUID, p model.TaskPatch) (model.Task, error) {
	result, err := encodeResult(p.Result)
	if err != nil {
		return model.Task{}, err
	}

	var t model.Task
	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		var scanErr error
		t, scanErr = scanTask(db.pool.QueryRow(ctx,
			`UPDATE tasks SET
			     status            = COALESCE($2, status),
			     method            = COALESCE($3, method),
			     result            = COALESCE($4::jsonb, result),
			     error             = COALESCE($5, error),
			     completed_at      = COALESCE($6, completed_at),
			     execution_time_ms = COALESCE($7, execution_time_ms),
			     updated_at        = $8
			 WHERE id = $1
			 RETURNING `+taskColumns,
			id, statusPtr(p.Status), p.Method, result, p.Error,
			p.CompletedAt, p.ExecutionTimeMs, p.UpdatedAt,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: update task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (db *DB) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	var updatedBefore *time.Time
	if !f.UpdatedBefore.IsZero() {
		updatedBefore = &f.UpdatedBefore
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = $1 AND ($2::timestamptz IS NULL OR updated_at < $2)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $3`,
		string(f.Status), updatedBefore, listLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		t             model.Task
		result, input []byte
	)
	if err := row.Scan(
		&t.ID, &t.Prompt, &t.Status, &t.Method, &result, &t.Error, &input,
		&t.SessionID, &t.BatchID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.ExecutionTimeMs,
	); err != nil {
		return model.Task{}, err
	}
	var err error
	if t.Result, err = decodeResult(result); err != nil {
		return model.Task{}, err
	}
	if t.Input, err = decodeInput(input); err != nil {
		return model.Task{}, err
	}
	return t, nil
}
