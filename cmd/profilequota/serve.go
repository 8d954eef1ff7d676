package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve balances and the spawn view over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			defer a.Close()

			reg := prometheus.NewRegistry()
			srv := server.New(a.cfg.Server.Listen, a.engine(metrics.New(reg)), a.ledger,
				server.WithLogger(a.log.Named("server")),
				server.WithGatherer(reg),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}

	o.register(cmd, false, true)
	return cmd
}
