package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/profilequota/pkg/config"
	"github.com/pario-ai/profilequota/pkg/ledger"
	"github.com/pario-ai/profilequota/pkg/logging"
	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/quota"
)

// overrides are command-line values that win over the config file when set.
type overrides struct {
	dbFile      string
	url         string
	checkEvery  string
	concurrency int
	listen      string
}

func (o *overrides) register(cmd *cobra.Command, cull, listen bool) {
	cmd.Flags().StringVar(&o.dbFile, "db-file", "", "sqlite database file for quota storage")
	if cull {
		cmd.Flags().StringVar(&o.url, "url", "", "hub API URL")
		cmd.Flags().StringVar(&o.checkEvery, "check-every", "", "interval between quota checks, e.g. 10m")
		cmd.Flags().IntVar(&o.concurrency, "concurrency", 0, "maximum users checked at once")
	}
	if listen {
		cmd.Flags().StringVar(&o.listen, "listen", "", "HTTP API listen address")
	}
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("db-file") {
		cfg.DBPath = o.dbFile
	}
	if flags.Changed("url") {
		cfg.Hub.URL = o.url
	}
	if flags.Changed("check-every") {
		d, err := parseInterval(o.checkEvery)
		if err != nil {
			return err
		}
		cfg.Cull.CheckEvery = d
	}
	if flags.Changed("concurrency") {
		cfg.Cull.Concurrency = o.concurrency
	}
	if flags.Changed("listen") {
		cfg.Server.Listen = o.listen
	}
	return nil
}

// app holds what every command shares once the config is loaded.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	ledger *ledger.SQLiteLedger
}

func setup(cmd *cobra.Command, configPath string, o *overrides) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o != nil {
		if err := o.apply(cmd, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	l, err := ledger.New(cfg.DBPath)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open quota database: %w", err)
	}
	return &app{cfg: cfg, log: log, ledger: l}, nil
}

func (a *app) engine(m *metrics.Metrics) *quota.Engine {
	return quota.New(a.ledger, a.cfg.Profiles,
		quota.WithLogger(a.log.Named("quota")),
		quota.WithMetrics(m),
	)
}

func (a *app) Close() {
	_ = a.ledger.Close()
	_ = a.log.Sync()
}
