package main

import (
	"github.com/Harvey-AU/docpipe/internal/config"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func migrateCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if err := cfg.DB.Validate(); err != nil {
				return err
			}
			if err := db.RunMigrations(cmd.Context(), cfg.DB); err != nil {
				return err
			}
			version, dirty, err := db.MigrationVersion(cmd.Context(), cfg.DB)
			if err != nil {
				return err
			}
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
			return nil
		},
	}
}
