package database

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

func prepareGoose() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Migrate applies every pending embedded migration.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := prepareGoose(); err != nil {
		return err
	}

	current, err := goose.GetDBVersion(db.DB)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	logger.Info("running migrations", zap.Int64("from_version", current))

	if err := goose.Up(db.DB, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	final, err := goose.GetDBVersion(db.DB)
	if err != nil {
		return fmt.Errorf("get final migration version: %w", err)
	}
	logger.Info("migrations complete", zap.Int64("from_version", current), zap.Int64("to_version", final))
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(db *sqlx.DB, steps int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := prepareGoose(); err != nil {
		return err
	}
	for i := 0; i < steps; i++ {
		if err := goose.Down(db.DB, migrationsDir); err != nil {
			return fmt.Errorf("rollback migration: %w", err)
		}
	}
	logger.Info("rollback complete", zap.Int("steps", steps))
	return nil
}

// MigrationVersion returns the applied schema version.
func MigrationVersion(db *sqlx.DB) (int64, error) {
	if err := prepareGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db.DB)
}
