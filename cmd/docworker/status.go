package main

import (
	"fmt"
	"slices"

	"github.com/Harvey-AU/docpipe/internal/config"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/spf13/cobra"
)

func statusCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the schema version and job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if err := cfg.DB.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			version, dirty, err := db.MigrationVersion(ctx, cfg.DB)
			if err != nil {
				return err
			}

			pool := db.NewPoolManager(cfg.DB)
			if err := pool.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}
			defer pool.ClosePool()

			counts, err := db.NewJobQueue(pool).CountByStatus(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schema version: %d (dirty=%t)\n", version, dirty)
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			slices.Sort(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "%-28s %d\n", s, counts[db.JobStatus(s)])
			}
			return nil
		},
	}
}
