// Package culler periodically charges running servers against their
// profile balance and stops the ones that have run out.
package culler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/profilequota/pkg/hub"
	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/models"
	"github.com/pario-ai/profilequota/pkg/quota"
)

// Hub is the subset of the hub API the culler needs.
type Hub interface {
	ListUsers(ctx context.Context) ([]models.HubUser, error)
	StopServer(ctx context.Context, user, serverName string) (hub.StopResult, error)
}

// Config controls the check loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
	// TickTimeout bounds a single check. Zero means no bound.
	TickTimeout time.Duration
}

// Report summarizes one check.
type Report struct {
	Users   int
	Servers int
	Charged int
	Culled  int
	Pending int
	Errors  int
}

// Culler runs quota checks against the hub.
type Culler struct {
	hub     Hub
	engine  *quota.Engine
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

// Option configures a Culler.
type Option func(*Culler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Culler) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Culler) { c.metrics = m }
}

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(c *Culler) { c.now = now }
}

// New creates a Culler.
func New(h Hub, e *quota.Engine, cfg Config, opts ...Option) *Culler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	c := &Culler{
		hub:    h,
		engine: e,
		cfg:    cfg,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks immediately and then every Interval until ctx is done. Checks
// run in their own goroutines and may overlap; Run waits for them before
// returning.
func (c *Culler) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		return errors.New("culler: interval must be positive")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Tick(ctx, c.now())
		}()
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// Tick runs one check at now. Users are handled concurrently; a failure for
// one user is logged and does not affect the others.
func (c *Culler) Tick(ctx context.Context, now time.Time) Report {
	start := time.Now()
	elapsed := c.advance(now)

	if c.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TickTimeout)
		defer cancel()
	}

	var rep Report
	users, err := c.hub.ListUsers(ctx)
	if err != nil {
		c.log.Error("listing hub users", zap.Error(err))
		c.metrics.ObserveError("list_users")
		rep.Errors++
		return rep
	}
	rep.Users = len(users)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, u := range users {
		g.Go(func() error {
			r := c.checkUser(ctx, u, now, elapsed)
			mu.Lock()
			rep.Servers += r.Servers
			rep.Charged += r.Charged
			rep.Culled += r.Culled
			rep.Pending += r.Pending
			rep.Errors += r.Errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.ObserveTick(time.Since(start).Seconds())
	c.log.Info("quota check finished",
		zap.Int("users", rep.Users),
		zap.Int("servers", rep.Servers),
		zap.Int("culled", rep.Culled),
		zap.Int("pending", rep.Pending),
		zap.Int("errors", rep.Errors),
	)
	return rep
}

// advance records now as the latest tick and returns the time since the
// previous one. The first tick counts as a full interval.
func (c *Culler) advance(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.cfg.Interval
	if !c.lastTick.IsZero() {
		elapsed = now.Sub(c.lastTick)
	}
	if now.After(c.lastTick) {
		c.lastTick = now
	}
	return max(elapsed, 0)
}

func (c *Culler) checkUser(ctx context.Context, u models.HubUser, now time.Time, elapsed time.Duration) Report {
	var rep Report
	updated := false

	for name, s := range u.RunningServers() {
		log := c.log.With(zap.String("user", u.Name), zap.String("server", name))
		rep.Servers++

		if s.Pending != "" {
			log.Warn("not culling server with pending action", zap.String("pending", s.Pending))
			continue
		}
		if !s.IsReady() {
			log.Warn("not culling server that is not ready")
			continue
		}

		slug := s.State.ProfileName
		if slug == "" {
			log.Debug("not culling server without a profile")
			continue
		}
		log = log.With(zap.String("profile", slug))

		if !updated {
			if err := c.engine.UpdateBalances(ctx, u.Name, u.Admin); err != nil {
				log.Error("updating balances", zap.Error(err))
				c.metrics.ObserveError("update_balances")
				rep.Errors++
				return rep
			}
			updated = true
		}

		p, ok := c.engine.Profile(slug)
		if !ok || !p.HasQuota() {
			log.Debug("not culling server on a profile without quota")
			continue
		}

		charge, err := c.engine.ChargeForUsage(ctx, u.Name, slug, chargeHours(s, now, elapsed), u.Admin)
		if err != nil {
			log.Error("charging usage", zap.Error(err))
			c.metrics.ObserveError("charge")
			rep.Errors++
			continue
		}
		rep.Charged++

		if charge.Balance >= 0 {
			log.Debug("not culling server", zap.Float64("balance", charge.Balance))
			continue
		}

		log.Info("culling server", zap.Float64("balance", charge.Balance))
		res, err := c.hub.StopServer(ctx, u.Name, name)
		if err != nil {
			log.Error("stopping server", zap.Error(err))
			c.metrics.ObserveError("stop_server")
			rep.Errors++
			continue
		}
		if res == hub.StopPending {
			log.Warn("server is slow to stop")
			rep.Pending++
		} else {
			rep.Culled++
		}
		c.metrics.ObserveCull(slug, res == hub.StopPending)
	}
	return rep
}

// chargeHours is the time since the last check, or the server's age if it
// started more recently.
func chargeHours(s models.HubServer, now time.Time, elapsed time.Duration) float64 {
	d := elapsed
	if started, ok := s.StartedAt(); ok {
		d = min(d, now.Sub(started))
	}
	return math.Max(d.Hours(), 0)
}
