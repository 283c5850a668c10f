package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelpay/keysource/internal/shared/config"
	"github.com/modelpay/keysource/internal/shared/database"
	"github.com/modelpay/keysource/internal/shared/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel, cfg.LogPretty)

			db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Str("driver", cfg.DatabaseDriver).Msg("schema up to date")
			return nil
		},
	}
}
