package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

// migrationTarget is the per-driver half of the migration runner.
type migrationTarget interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context) (map[string]bool, error)
	// apply executes one migration file and records it in a single transaction.
	apply(ctx context.Context, name, sql string) error
}

// runMigrations executes unapplied .sql files from fsys in lexical order.
// Applied files are tracked in schema_migrations so each runs at most once.
func runMigrations(ctx context.Context, logger *slog.Logger, fsys fs.FS, target migrationTarget) error {
	if err := target.ensureTable(ctx); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}
	applied, err := target.applied(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		logger.Info("running migration", "file", name)
		if err := target.apply(ctx, name, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
	}
	return nil
}

// RunMigrations applies the PostgreSQL migrations in fsys.
func (db *DB) RunMigrations(ctx context.Context, fsys fs.FS) error {
	return runMigrations(ctx, db.logger, fsys, pgMigrations{db})
}

type pgMigrations struct{ db *DB }

func (m pgMigrations) ensureTable(ctx context.Context) error {
	_, err := m.db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (m pgMigrations) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(versions))
	for _, v := range versions {
		out[v] = true
	}
	return out, nil
}

func (m pgMigrations) apply(ctx context.Context, name, sql string) error {
	return pgx.BeginFunc(ctx, m.db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
		return err
	})
}
