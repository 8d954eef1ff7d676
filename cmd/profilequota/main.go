package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "profilequota",
		Short:         "profilequota: token-bucket quotas for hub profile sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults and environment when empty)")

	root.AddCommand(
		newCullCmd(&configPath),
		newServeCmd(&configPath),
		newBalanceCmd(&configPath),
		newUsageCmd(&configPath),
		newInitDBCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
