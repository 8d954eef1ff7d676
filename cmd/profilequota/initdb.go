package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitDBCmd(configPath *string) *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the quota database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("quota database ready", zap.String("path", a.cfg.DBPath))
			return nil
		},
	}

	o.register(cmd, false, false)
	return cmd
}
