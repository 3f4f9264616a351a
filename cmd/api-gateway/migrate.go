package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/pkg/database"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), func(run migrationRun) error {
				return database.Rollback(run.db, steps, run.logger)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), func(run migrationRun) error {
					return database.Migrate(run.db, run.logger)
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd.Context(), func(run migrationRun) error {
					version, err := database.MigrationVersion(run.db)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), version)
					return nil
				})
			},
		},
	)
	return cmd
}

type migrationRun struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func withDatabase(ctx context.Context, fn func(migrationRun) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logr := bootstrap()
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	return fn(migrationRun{db: db, logger: logr})
}
