package verity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/verity/internal/service/tasks"
	"github.com/ashita-ai/verity/internal/storage"
	"github.com/ashita-ai/verity/migrations"
)

// taskStore is what the App needs from either storage backend.
type taskStore interface {
	tasks.Store
	Ping(ctx context.Context) error
	Close() error
}

// openStore connects to the store named by dsn and applies its migrations.
func openStore(ctx context.Context, dsn string, logger *slog.Logger) (taskStore, string, error) {
	switch driver := storage.DriverFor(dsn); driver {
	case storage.DriverSQLite:
		db, err := storage.NewSQLite(ctx, dsn, logger)
		if err != nil {
			return nil, driver, err
		}
		if err := db.RunMigrations(ctx, migrations.SQLite); err != nil {
			_ = db.Close()
			return nil, driver, fmt.Errorf("migrations: %w", err)
		}
		return db, driver, nil
	default:
		db, err := storage.New(ctx, dsn, logger)
		if err != nil {
			return nil, driver, err
		}
		if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
			_ = db.Close()
			return nil, driver, fmt.Errorf("migrations: %w", err)
		}
		return db, driver, nil
	}
}

// Migrate applies the embedded migrations to the store named by
// DATABASE_URL (or WithDatabaseURL) and exits. Run uses the same migrations
// at startup, so this is only needed to migrate ahead of a deploy.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolve(opts)
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	store, driver, err := openStore(ctx, cfg.DatabaseURL, o.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	o.logger.Info("migrations applied", "driver", driver)
	return store.Close()
}
