package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/profilequota/pkg/culler"
	"github.com/pario-ai/profilequota/pkg/hub"
	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/server"
)

func newCullCmd(configPath *string) *cobra.Command {
	var (
		o           overrides
		metricsAddr string
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "cull",
		Short: "Charge running servers and stop those out of tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Hub.URL == "" {
				return errors.New("hub url is required: set hub.url, --url or JUPYTERHUB_API_URL")
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			e := a.engine(m)
			c := culler.New(
				hub.New(a.cfg.Hub.URL, a.cfg.Hub.APIToken),
				e,
				culler.Config{
					Interval:    a.cfg.Cull.CheckEvery,
					Concurrency: a.cfg.Cull.Concurrency,
					TickTimeout: a.cfg.Cull.TickTimeout,
				},
				culler.WithLogger(a.log.Named("culler")),
				culler.WithMetrics(m),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				rep := c.Tick(ctx, time.Now())
				if rep.Errors > 0 {
					return fmt.Errorf("quota check finished with %d errors", rep.Errors)
				}
				return nil
			}

			a.log.Info("starting quota culler",
				zap.String("hub", a.cfg.Hub.URL),
				zap.Duration("check_every", a.cfg.Cull.CheckEvery),
				zap.Int("concurrency", a.cfg.Cull.Concurrency),
				zap.Int("profiles", len(a.cfg.Profiles)),
			)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Run(ctx) })
			if metricsAddr != "" {
				srv := server.New(metricsAddr, e, a.ledger,
					server.WithLogger(a.log.Named("server")),
					server.WithGatherer(reg),
				)
				g.Go(func() error { return srv.ListenAndServe(ctx) })
			}
			return g.Wait()
		},
	}

	o.register(cmd, true, false)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "also serve the HTTP API and /metrics on this address")
	cmd.Flags().BoolVar(&once, "once", false, "run a single check and exit")
	return cmd
}

// parseInterval accepts a Go duration or a plain number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --check-every %q: %w", s, err)
	}
	return d, nil
}
