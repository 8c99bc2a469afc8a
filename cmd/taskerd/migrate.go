package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/swarmguard/tasker/internal/config"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(ctx)
		},
	}
}
