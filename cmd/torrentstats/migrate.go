package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/torrentstats/internal/agent"
	"github.com/ethpandaops/torrentstats/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema of the samples table",
	}

	cmd.PersistentFlags().StringVar(
		&path, "config", "",
		"path to config file (required)",
	)

	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	newMigrator := func() (migrate.Migrator, error) {
		cfg, err := agent.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		ch := cfg.Sinks.ClickHouse.ClickHouse
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("sinks.clickhouse: %w", err)
		}

		log, err := newLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}

		return migrate.New(log, migrate.DSN(ch)), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return printStatus(cmd.Context(), m)
			},
		},
	)

	return cmd
}

func printStatus(ctx context.Context, m migrate.Migrator) error {
	v, dirty, err := m.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("version: %d, dirty: %t\n", v, dirty)

	return nil
}
