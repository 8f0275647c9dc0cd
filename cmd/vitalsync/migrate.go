package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"vitalsync/pkg/bootstrap"
	"vitalsync/pkg/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL history schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), func(db *sql.DB) error {
				return migrations.UpPostgres(db)
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), func(db *sql.DB) error {
				return migrations.DownPostgres(db, steps)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(cmd.Context(), func(db *sql.DB) error {
				v, dirty, err := migrations.PostgresVersion(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func withPostgres(ctx context.Context, fn func(db *sql.DB) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	db, err := bootstrap.NewDatabaseConnector(cfg, log).InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(db); err != nil {
		log.Errorw("Migration failed", "error", err)
		return err
	}
	log.Infow("Migration finished")
	return nil
}
