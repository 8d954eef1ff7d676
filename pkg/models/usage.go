package models

import "time"

// UsageEntry is one row of the append-only usage log, written each time a
// user is charged for running a profile.
type UsageEntry struct {
	User        string    `json:"user"`
	ProfileSlug string    `json:"profile_slug"`
	Date        time.Time `json:"date"`
	Hours       float64   `json:"hours"`
	Tokens      float64   `json:"tokens"`
}

// UsageQuery filters usage log reads. Zero values match everything.
type UsageQuery struct {
	User        string
	ProfileSlug string
	Since       time.Time
	Limit       int
}

// UsageSummary aggregates usage log rows per user and profile.
type UsageSummary struct {
	User        string  `json:"user"`
	ProfileSlug string  `json:"profile_slug"`
	Charges     int     `json:"charges"`
	Hours       float64 `json:"hours"`
	Tokens      float64 `json:"tokens"`
}
