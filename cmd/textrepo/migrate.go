package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/tendant/textrepo/pkg/textrepo/config"
	"github.com/tendant/textrepo/pkg/textrepo/repo/postgres"
	"github.com/tendant/textrepo/pkg/textrepo/repo/sqlite"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			switch cfg.DatabaseType {
			case config.DatabasePostgres:
				pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBSchema)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := postgres.Migrate(cmd.Context(), pool, cfg.DBSchema); err != nil {
					return err
				}
			case config.DatabaseSQLite:
				db, err := sqlite.OpenConnection(cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := sqlite.MigrateUp(db); err != nil {
					return err
				}
			default:
				return fmt.Errorf("database type %q has no migrations", cfg.DatabaseType)
			}

			slog.Info("Migrations applied", "database", cfg.DatabaseType)
			return nil
		},
	}
}
