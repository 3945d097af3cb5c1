package main

import (
	"errors"
	"fmt"

	"github.com/bissquit/ingest-scheduler/internal/config"
	"github.com/bissquit/ingest-scheduler/internal/pkg/postgres"
	"github.com/bissquit/ingest-scheduler/migrations"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(
		migrateAction("up", "Apply all pending migrations", (*postgres.Migrator).Up),
		migrateAction("down", "Roll back the last migration", (*postgres.Migrator).Down),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *postgres.Migrator) error {
					v, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func migrateAction(use, short string, fn func(*postgres.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withMigrator(fn)
		},
	}
}

func withMigrator(fn func(*postgres.Migrator) error) (err error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}

	m, err := postgres.NewMigrator(migrations.FS, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, m.Close())
	}()

	return fn(m)
}
