package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/config"
	"github.com/forgeline/forgeline/store"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for migrate")
			}
			logger := newLogger(cfg.Log.Level, cfg.Log.Format)

			pg, err := store.NewPostgres(cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := pg.Close(); err != nil {
					logger.Error("close database", "error", err)
				}
			}()

			if err := pg.Migrate(context.Background()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
