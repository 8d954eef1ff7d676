package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// BalanceRecord is the stored token balance of one user for one profile.
type BalanceRecord struct {
	User        string    `json:"user"`
	ProfileSlug string    `json:"profile_slug"`
	Count       float64   `json:"count"`
	LastAdd     time.Time `json:"last_add"`
}

// Charge describes the outcome of charging a user for usage.
type Charge struct {
	User        string  `json:"user"`
	ProfileSlug string  `json:"profile_slug"`
	Hours       float64 `json:"hours"`
	Tokens      float64 `json:"tokens"`
	Balance     float64 `json:"balance"`
}

// Amount is a quantity of tokens or hours that may be unlimited. It encodes
// to JSON as a number, or as the string "Unlimited" when infinite.
type Amount float64

// UnlimitedLabel is the human-readable form of an infinite Amount.
const UnlimitedLabel = "Unlimited"

// Unlimited returns the infinite Amount.
func Unlimited() Amount { return Amount(math.Inf(1)) }

// IsUnlimited reports whether a is positive infinity.
func (a Amount) IsUnlimited() bool { return math.IsInf(float64(a), 1) }

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsUnlimited() {
		return json.Marshal(UnlimitedLabel)
	}
	return json.Marshal(float64(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != UnlimitedLabel {
			return fmt.Errorf("amount: unexpected string %q", s)
		}
		*a = Unlimited()
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// ProfileView is a profile annotated with the user's balance, as shown in
// the profile-selection page.
type ProfileView struct {
	Slug              string         `json:"slug"`
	DisplayName       string         `json:"display_name,omitempty"`
	Description       string         `json:"description,omitempty"`
	Default           bool           `json:"default,omitempty"`
	Index             int            `json:"index"`
	HasQuota          bool           `json:"has_quota"`
	Disabled          bool           `json:"disabled"`
	CostTokensPerHour float64        `json:"cost_tokens_per_hour"`
	BalanceTokens     Amount         `json:"balance_tokens"`
	BalanceHours      Amount         `json:"balance_hours"`
	MinBalanceToSpawn float64        `json:"min_balance_to_spawn"`
	MaxBalance        Amount         `json:"max_balance"`
	Display           ProfileDisplay `json:"display"`
}

// ProfileDisplay holds the rounded, printable forms of a ProfileView.
type ProfileDisplay struct {
	Balance      string `json:"balance"`
	BalanceHours string `json:"balance_hours"`
	MinToStart   string `json:"min_to_start"`
	MaxBalance   string `json:"max_balance"`
}
