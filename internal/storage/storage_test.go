package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/verity/internal/model"
	"github.com/ashita-ai/verity/internal/storage"
	"github.com/ashita-ai/verity/internal/testutil"
	"github.com/ashita-ai/verity/migrations"
)

// taskStore is the method set both drivers share.
type taskStore interface {
	InsertTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, p model.TaskPatch) (model.Task, error)
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
}

// testDB holds a shared Postgres connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	_ = testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func stores(t *testing.T) map[string]taskStore {
	return map[string]taskStore{
		"postgres": testDB,
		"sqlite":   testutil.NewSQLite(t),
	}
}

func newTask(prompt string, created time.Time) model.Task {
	created = created.UTC().Truncate(time.Microsecond)
	return model.Task{
		ID:     uuid.New(),
		Prompt: prompt,
		Status: model.TaskStatusPending,
		Input: model.DatasetInput{
			Rows:            []model.Row{{"email": "a@example.com"}},
			SelectedColumns: []string{"email"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func ptr[T any](v T) *T { return &v }

func TestInsertAndGetTask(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			task := newTask("check emails", time.Now())
			task.SessionID = ptr("sess-1")
			require.NoError(t, s.InsertTask(ctx, task))

			got, err := s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.ID, got.ID)
			assert.Equal(t, "check emails", got.Prompt)
			assert.Equal(t, model.TaskStatusPending, got.Status)
			assert.Equal(t, "sess-1", *got.SessionID)
			assert.Nil(t, got.BatchID)
			assert.Nil(t, got.Result)
			assert.Nil(t, got.CompletedAt)
			assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, []string{"email"}, got.Input.SelectedColumns)
			require.Len(t, got.Input.Rows, 1)
			assert.Equal(t, "a@example.com", got.Input.Rows[0]["email"])
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetTask(ctx, uuid.New())
			assert.True(t, errors.Is(err, storage.ErrNotFound))
		})
	}
}

func TestBatchIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			batchID := uuid.New()
			task := newTask("batched", time.Now())
			task.BatchID = &batchID
			require.NoError(t, s.InsertTask(ctx, task))

			got, err := s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.ID, got.ID)
			require.NotNil(t, got.BatchID)
			assert.Equal(t, batchID, *got.BatchID)
		})
	}
}

func TestUpdateTaskPatchesOnlySetFields(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			task := newTask("p", time.Now())
			require.NoError(t, s.InsertTask(ctx, task))

			now := time.Now().UTC().Truncate(time.Microsecond)
			got, err := s.UpdateTask(ctx, task.ID, model.TaskPatch{
				Status:    ptr(model.TaskStatusProcessing),
				UpdatedAt: now,
			})
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusProcessing, got.Status)
			assert.Equal(t, "p", got.Prompt)
			assert.True(t, now.Equal(got.UpdatedAt))

			result := &model.AnalysisResult{
				Analysis: "1 issue",
				Validations: []model.CellValidation{{
					RowIndex: 0, Column: "email", Status: model.ValidationError,
					OriginalValue: "bad", Reason: "Missing @ symbol in email address",
				}},
			}
			done := now.Add(time.Second)
			got, err = s.UpdateTask(ctx, task.ID, model.TaskPatch{
				Status:          ptr(model.TaskStatusCompleted),
				Method:          ptr("mock"),
				Result:          result,
				CompletedAt:     &done,
				ExecutionTimeMs: ptr(int64(1000)),
				UpdatedAt:       done,
			})
			require.NoError(t, err)
			assert.Equal(t, model.TaskStatusCompleted, got.Status)
			assert.Equal(t, "mock", got.Method)
			require.NotNil(t, got.Result)
			assert.Equal(t, "1 issue", got.Result.Analysis)
			require.Len(t, got.Result.Validations, 1)
			assert.Equal(t, model.ValidationError, got.Result.Validations[0].Status)
			require.NotNil(t, got.CompletedAt)
			assert.True(t, done.Equal(*got.CompletedAt))
			assert.Equal(t, int64(1000), *got.ExecutionTimeMs)

			reread, err := s.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, got.Status, reread.Status)
			assert.Equal(t, got.Result.Analysis, reread.Result.Analysis)
		})
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.UpdateTask(ctx, uuid.New(), model.TaskPatch{
				Status:    ptr(model.TaskStatusProcessing),
				UpdatedAt: time.Now(),
			})
			assert.True(t, errors.Is(err, storage.ErrNotFound))
		})
	}
}

func TestListTasksOldestFirst(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Far-past timestamps keep this run's rows ahead of other tests'
			// rows in the shared Postgres database.
			base := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(time.Now().UnixNano() % int64(time.Hour)))
			second := newTask("second", base.Add(time.Minute))
			first := newTask("first", base)
			require.NoError(t, s.InsertTask(ctx, second))
			require.NoError(t, s.InsertTask(ctx, first))

			got, err := s.ListTasks(ctx, model.TaskFilter{Status: model.TaskStatusPending, Limit: 2})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, first.ID, got[0].ID)
			assert.Equal(t, second.ID, got[1].ID)
		})
	}
}

func TestListTasksUpdatedBefore(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := newTask("stale", time.Now().Add(-time.Hour))
			fresh := newTask("fresh", time.Now())
			require.NoError(t, s.InsertTask(ctx, old))
			require.NoError(t, s.InsertTask(ctx, fresh))
			for _, id := range []uuid.UUID{old.ID, fresh.ID} {
				task, err := s.GetTask(ctx, id)
				require.NoError(t, err)
				_, err = s.UpdateTask(ctx, id, model.TaskPatch{
					Status:    ptr(model.TaskStatusProcessing),
					UpdatedAt: task.CreatedAt,
				})
				require.NoError(t, err)
			}

			got, err := s.ListTasks(ctx, model.TaskFilter{
				Status:        model.TaskStatusProcessing,
				UpdatedBefore: time.Now().Add(-10 * time.Minute),
				Limit:         1000,
			})
			require.NoError(t, err)
			ids := make(map[uuid.UUID]bool)
			for _, task := range got {
				ids[task.ID] = true
			}
			assert.True(t, ids[old.ID])
			assert.False(t, ids[fresh.ID])
		})
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.Postgres))

	lite := testutil.NewSQLite(t)
	require.NoError(t, lite.RunMigrations(ctx, migrations.SQLite))
}

func TestDriverFor(t *testing.T) {
	assert.Equal(t, storage.DriverSQLite, storage.DriverFor("sqlite:verity.db"))
	assert.Equal(t, storage.DriverSQLite, storage.DriverFor("file:verity.db?mode=rwc"))
	assert.Equal(t, storage.DriverPostgres, storage.DriverFor("postgres://u:p@localhost/verity"))
}
