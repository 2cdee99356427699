package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-image-vault/internal/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is not set")
			}
			if err := database.Migrate(cmd.Context(), cfg.Database.DSN); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}
