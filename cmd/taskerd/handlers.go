package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmguard/tasker/pkg/tasker/registry"
)

func newHandlersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "inspect the handler registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every registered handler class",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			registry.RegisterBuiltins(reg)
			for _, key := range reg.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), key.String())
			}
			return nil
		},
	})
	return cmd
}
