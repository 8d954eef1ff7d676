package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/profilequota/pkg/ledger"
	"github.com/pario-ai/profilequota/pkg/metrics"
	"github.com/pario-ai/profilequota/pkg/models"
)

// ErrInvalidHours is returned when asked to charge for negative or NaN hours.
var ErrInvalidHours = errors.New("usage hours must be a non-negative number")

// Engine applies profile quota policies to the balances kept in a Ledger.
type Engine struct {
	ledger   ledger.Ledger
	profiles []models.Profile
	bySlug   map[string]models.Profile
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (default time.Now).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger (default no-op).
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine over the given ledger and validated profile list.
func New(l ledger.Ledger, profiles []models.Profile, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		profiles: profiles,
		bySlug:   make(map[string]models.Profile, len(profiles)),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, p := range profiles {
		e.bySlug[p.Slug] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Profiles returns the configured profiles in order.
func (e *Engine) Profiles() []models.Profile {
	return e.profiles
}

// Profile looks up a profile by slug.
func (e *Engine) Profile(slug string) (models.Profile, bool) {
	p, ok := e.bySlug[slug]
	return p, ok
}

// UpdateBalances accrues tokens for every quota profile that is active for
// the user's role. Inactive quotas are left untouched, time included.
func (e *Engine) UpdateBalances(ctx context.Context, user string, isAdmin bool) error {
	now := e.now()
	for _, p := range e.profiles {
		if !p.HasQuota() {
			continue
		}
		pol := p.Policy(isAdmin)
		if !pol.Active {
			continue
		}

		if err := e.ledger.EnsureInitialized(ctx, user, p.Slug, pol.InitialBalance, now); err != nil {
			return fmt.Errorf("update balance %s/%s: %w", user, p.Slug, err)
		}
		balance, err := e.ledger.Accrue(ctx, user, p.Slug, pol.NewTokensPerHour, pol.MaxBalance, now)
		if err != nil {
			return fmt.Errorf("update balance %s/%s: %w", user, p.Slug, err)
		}
		e.log.Debug("accrued tokens",
			zap.String("user", user), zap.String("profile", p.Slug), zap.Float64("balance", balance))
	}
	return nil
}

// ChargeForUsage logs and charges hours of usage of a profile at its cost
// per hour. Profiles that are not configured cost nothing. The balance may
// go negative.
func (e *Engine) ChargeForUsage(ctx context.Context, user, profileSlug string, hours float64, isAdmin bool) (models.Charge, error) {
	if hours < 0 || math.IsNaN(hours) {
		return models.Charge{}, ErrInvalidHours
	}

	p, ok := e.Profile(profileSlug)
	if !ok {
		e.log.Debug("charging unconfigured profile at zero cost",
			zap.String("user", user), zap.String("profile", profileSlug))
	}
	pol := p.Policy(isAdmin)
	now := e.now()

	if err := e.ledger.EnsureInitialized(ctx, user, profileSlug, pol.InitialBalance, now); err != nil {
		return models.Charge{}, fmt.Errorf("charge %s/%s: %w", user, profileSlug, err)
	}

	tokens := hours * pol.CostTokensPerHour
	err := e.ledger.AppendUsage(ctx, models.UsageEntry{
		User:        user,
		ProfileSlug: profileSlug,
		Date:        now,
		Hours:       hours,
		Tokens:      tokens,
	})
	if err != nil {
		return models.Charge{}, fmt.Errorf("charge %s/%s: %w", user, profileSlug, err)
	}

	balance, err := e.ledger.Charge(ctx, user, profileSlug, tokens)
	if err != nil {
		return models.Charge{}, fmt.Errorf("charge %s/%s: %w", user, profileSlug, err)
	}
	e.metrics.ObserveCharge(profileSlug, hours, tokens)

	return models.Charge{
		User:        user,
		ProfileSlug: profileSlug,
		Hours:       hours,
		Tokens:      tokens,
		Balance:     balance,
	}, nil
}

// Balance returns the user's stored balance for a profile, creating it with
// the initial balance first if needed. It does not accrue.
func (e *Engine) Balance(ctx context.Context, user, profileSlug string, isAdmin bool) (float64, error) {
	p, _ := e.Profile(profileSlug)
	pol := p.Policy(isAdmin)
	if err := e.ledger.EnsureInitialized(ctx, user, profileSlug, pol.InitialBalance, e.now()); err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", user, profileSlug, err)
	}
	balance, err := e.ledger.Balance(ctx, user, profileSlug)
	if err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", user, profileSlug, err)
	}
	return balance, nil
}

// ProfilesByBalance annotates every configured profile with the user's
// balance and whether it may be spawned. Call UpdateBalances first for
// fresh numbers.
func (e *Engine) ProfilesByBalance(ctx context.Context, user string, isAdmin bool) ([]models.ProfileView, error) {
	views := make([]models.ProfileView, 0, len(e.profiles))
	for i, p := range e.profiles {
		pol := p.Policy(isAdmin)
		v := models.ProfileView{
			Slug:              p.Slug,
			DisplayName:       p.DisplayName,
			Description:       p.Description,
			Default:           p.Default,
			Index:             i,
			HasQuota:          p.HasQuota(),
			Disabled:          pol.Disabled,
			CostTokensPerHour: pol.CostTokensPerHour,
			BalanceTokens:     models.Unlimited(),
			BalanceHours:      models.Unlimited(),
			MinBalanceToSpawn: pol.MinBalanceToSpawn,
			MaxBalance:        models.Amount(pol.MaxBalance),
		}

		if p.HasQuota() {
			balance, err := e.Balance(ctx, user, p.Slug, isAdmin)
			if err != nil {
				return nil, err
			}
			v.BalanceTokens = models.Amount(balance)
			v.BalanceHours = balanceHours(balance, pol.CostTokensPerHour)
			v.Disabled = v.Disabled || balance < pol.MinBalanceToSpawn
		}

		v.Display = display(v)
		views = append(views, v)
	}
	return views, nil
}

// SpawnView returns the profiles the user may start right now: disabled
// profiles are dropped, order is kept and Index is renumbered from zero.
func (e *Engine) SpawnView(ctx context.Context, user string, isAdmin bool) ([]models.ProfileView, error) {
	all, err := e.ProfilesByBalance(ctx, user, isAdmin)
	if err != nil {
		return nil, err
	}

	visible := make([]models.ProfileView, 0, len(all))
	for _, v := range all {
		if v.Disabled {
			if p, _ := e.Profile(v.Slug); !p.Policy(isAdmin).Disabled {
				e.metrics.ObserveSpawnDisabled(v.Slug)
			}
			continue
		}
		v.Index = len(visible)
		visible = append(visible, v)
	}
	return visible, nil
}

// balanceHours converts tokens to hours of runtime. Free profiles run
// forever.
func balanceHours(balance, costPerHour float64) models.Amount {
	if costPerHour <= 0 {
		return models.Unlimited()
	}
	return models.Amount(balance / costPerHour)
}
