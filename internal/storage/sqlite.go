package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ashita-ai/verity/internal/model"
)

// sqliteTime is a fixed-width UTC layout so text comparison orders correctly.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteDB is a task store backed by an embedded SQLite database.
type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens the database named by dsn. Accepted forms are
// "sqlite:path/to/file.db", "sqlite::memory:" and "file:..." URIs.
func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteDB, error) {
	path := strings.TrimPrefix(dsn, "sqlite:")
	if path == "" {
		return nil, errors.New("storage: sqlite DSN has no path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are private to the connection that created them.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db, logger: logger}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// RunMigrations applies the SQLite migrations in fsys.
func (s *SQLiteDB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	return runMigrations(ctx, s.logger, fsys, liteMigrations{s})
}

type liteMigrations struct{ s *SQLiteDB }

func (m liteMigrations) ensureTable(ctx context.Context) error {
	_, err := m.s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`)
	return err
}

func (m liteMigrations) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (m liteMigrations) apply(ctx context.Context, name, script string) error {
	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

const liteTaskColumns = `id, prompt, status, method, result, error, input,
	session_id, batch_id, created_at, updated_at, completed_at, execution_time_ms`

// InsertTask stores a new task.
func (s *SQLiteDB) InsertTask(ctx context.Context, t model.Task) error {
	result, err := encodeResult(t.Result)
	if err != nil {
		return err
	}
	input, err := encodeInput(t.Input)
	if err != nil {
		return err
	}

	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (`+liteTaskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Prompt, string(t.Status), t.Method, nullText(result), t.Error, string(input),
			t.SessionID, t.BatchID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
			formatTimePtr(t.CompletedAt), t.ExecutionTimeMs,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID, or ErrNotFound.
func (s *SQLiteDB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanLiteTask(s.db.QueryRowContext(ctx,
		`SELECT `+liteTaskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a patch and returns the updated row.
func (s *SQLiteDB) UpdateTask(ctx context.Context, id uuid.UUID, p model.TaskPatch) (model.Task, error) {
	result, err := encodeResult(p.Result)
	if err != nil {
		return model.Task{}, err
	}

	var t model.Task
	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		var scanErr error
		t, scanErr = scanLiteTask(s.db.QueryRowContext(ctx,
			`UPDATE tasks SET
			     status            = COALESCE(?, status),
			     method            = COALESCE(?, method),
			     result            = COALESCE(?, result),
			     error             = COALESCE(?, error),
			     completed_at      = COALESCE(?, completed_at),
			     execution_time_ms = COALESCE(?, execution_time_ms),
			     updated_at        = ?
			 WHERE id = ?
			 RETURNING `+liteTaskColumns,
			statusPtr(p.Status), p.Method, nullText(result), p.Error,
			formatTimePtr(p.CompletedAt), p.ExecutionTimeMs, formatTime(p.UpdatedAt), id,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: update task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *SQLiteDB) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	var updatedBefore *string
	if !f.UpdatedBefore.IsZero() {
		v := formatTime(f.UpdatedBefore)
		updatedBefore = &v
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteTaskColumns+` FROM tasks
		 WHERE status = ?1 AND (?2 IS NULL OR updated_at < ?2)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?3`,
		string(f.Status), updatedBefore, listLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteTask(row rowScanner) (model.Task, error) {
	var (
		t                model.Task
		result           sql.NullString
		input            string
		created, updated string
		completed        sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Prompt, &t.Status, &t.Method, &result, &t.Error, &input,
		&t.SessionID, &t.BatchID, &created, &updated, &completed, &t.ExecutionTimeMs,
	); err != nil {
		return model.Task{}, err
	}

	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return model.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Task{}, err
	}
	if completed.Valid {
		ts, err := parseTime(completed.String)
		if err != nil {
			return model.Task{}, err
		}
		t.CompletedAt = &ts
	}
	if result.Valid {
		if t.Result, err = decodeResult([]byte(result.String)); err != nil {
			return model.Task{}, err
		}
	}
	if t.Input, err = decodeInput([]byte(input)); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time %q: %w", s, err)
	}
	return t, nil
}

func nullText(b []byte) *string {
	if b == nil {
		return nil
	}
	v := string(b)
	return &v
}
