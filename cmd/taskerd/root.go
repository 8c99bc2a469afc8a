package main

import (
	"github.com/spf13/cobra"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskerd",
		Short: "Tasker DAG workflow engine",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (optional)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newHandlersCmd())
	return root
}
