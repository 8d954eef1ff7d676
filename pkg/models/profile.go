package models

import "math"

// Profile is one entry of the hub's spawner profile list together with its
// optional quota section. Unknown keys (kubespawner_override and friends) are
// ignored when decoding.
type Profile struct {
	Slug        string `json:"slug" yaml:"slug"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     bool   `json:"default,omitempty" yaml:"default,omitempty"`
	Disabled    bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Quota       *Quota `json:"quota,omitempty" yaml:"quota,omitempty"`
}

// Quota is the token policy attached to a profile. Nil fields take their
// documented defaults when resolved through Profile.Policy.
type Quota struct {
	CostTokensPerHour *float64   `json:"costTokensPerHour,omitempty" yaml:"costTokensPerHour,omitempty"`
	MinBalanceToSpawn *float64   `json:"minBalanceToSpawn,omitempty" yaml:"minBalanceToSpawn,omitempty"`
	Admins            *RoleQuota `json:"admins,omitempty" yaml:"admins,omitempty"`
	Users             *RoleQuota `json:"users,omitempty" yaml:"users,omitempty"`
}

// RoleQuota holds the per-role (admins or users) settings of a Quota.
type RoleQuota struct {
	NewTokensPerHour  *float64 `json:"newTokensPerHour,omitempty" yaml:"newTokensPerHour,omitempty"`
	InitialBalance    *float64 `json:"initialBalance,omitempty" yaml:"initialBalance,omitempty"`
	MaxBalance        *float64 `json:"maxBalance,omitempty" yaml:"maxBalance,omitempty"`
	Active            *bool    `json:"active,omitempty" yaml:"active,omitempty"`
	MinBalanceToSpawn *float64 `json:"minBalanceToSpawn,omitempty" yaml:"minBalanceToSpawn,omitempty"`
	Disabled          bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// RolePolicy is a RoleQuota with every default resolved.
type RolePolicy struct {
	CostTokensPerHour float64
	NewTokensPerHour  float64
	InitialBalance    float64
	MaxBalance        float64
	Active            bool
	MinBalanceToSpawn float64
	Disabled          bool
}

// HasQuota reports whether the profile carries a quota section.
func (p Profile) HasQuota() bool {
	return p.Quota != nil
}

// CostTokensPerHour returns the configured cost, or 0 (free) when unset.
func (p Profile) CostTokensPerHour() float64 {
	if p.Quota == nil {
		return 0
	}
	return floatOr(p.Quota.CostTokensPerHour, 0)
}

// Policy resolves the quota settings that apply to an admin or a regular
// user. A profile without a quota yields an active, free policy with zero
// rate and initial balance and an unlimited maximum.
func (p Profile) Policy(isAdmin bool) RolePolicy {
	pol := RolePolicy{
		MaxBalance: math.Inf(1),
		Active:     true,
		Disabled:   p.Disabled,
	}
	if p.Quota == nil {
		return pol
	}

	pol.CostTokensPerHour = floatOr(p.Quota.CostTokensPerHour, 0)
	pol.MinBalanceToSpawn = floatOr(p.Quota.MinBalanceToSpawn, 0)

	role := p.Quota.Users
	if isAdmin {
		role = p.Quota.Admins
	}
	if role == nil {
		return pol
	}

	pol.NewTokensPerHour = floatOr(role.NewTokensPerHour, 0)
	pol.InitialBalance = floatOr(role.InitialBalance, 0)
	pol.MaxBalance = floatOr(role.MaxBalance, math.Inf(1))
	pol.MinBalanceToSpawn = floatOr(role.MinBalanceToSpawn, pol.MinBalanceToSpawn)
	if role.Active != nil {
		pol.Active = *role.Active
	}
	pol.Disabled = pol.Disabled || role.Disabled
	return pol
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Float returns a pointer to v, for building configs in code.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
