// Package metrics defines the Prometheus collectors exported by the culler
// and the quota engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "profilequota"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Ticks         prometheus.Counter
	TickDuration  prometheus.Histogram
	Errors        *prometheus.CounterVec
	ServersCulled *prometheus.CounterVec
	PendingStops  *prometheus.CounterVec
	TokensCharged *prometheus.CounterVec
	HoursCharged  *prometheus.CounterVec
	SpawnDisabled *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cull_ticks_total",
			Help:      "Number of quota checks run.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cull_tick_duration_seconds",
			Help:      "Duration of a quota check across all users.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cull_errors_total",
			Help:      "Errors during quota checks, by stage.",
		}, []string{"stage"}),
		ServersCulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_culled_total",
			Help:      "Servers stopped because their balance went negative.",
		}, []string{"profile"}),
		PendingStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_stops_pending_total",
			Help:      "Stop requests the hub accepted but had not finished.",
		}, []string{"profile"}),
		TokensCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_charged_total",
			Help:      "Tokens charged for server usage.",
		}, []string{"profile"}),
		HoursCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hours_charged_total",
			Help:      "Server hours charged.",
		}, []string{"profile"}),
		SpawnDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_disabled_total",
			Help:      "Profiles hidden from a spawn view because of the balance.",
		}, []string{"profile"}),
	}

	reg.MustRegister(
		m.Ticks, m.TickDuration, m.Errors, m.ServersCulled,
		m.PendingStops, m.TokensCharged, m.HoursCharged, m.SpawnDisabled,
	)
	return m
}

// ObserveCharge records a usage charge.
func (m *Metrics) ObserveCharge(profile string, hours, tokens float64) {
	if m == nil {
		return
	}
	m.HoursCharged.WithLabelValues(profile).Add(hours)
	m.TokensCharged.WithLabelValues(profile).Add(tokens)
}

// ObserveError counts a failure at the given stage.
func (m *Metrics) ObserveError(stage string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(stage).Inc()
}

// ObserveCull counts a server stop, pending or complete.
func (m *Metrics) ObserveCull(profile string, pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.PendingStops.WithLabelValues(profile).Inc()
		return
	}
	m.ServersCulled.WithLabelValues(profile).Inc()
}

// ObserveTick records a finished quota check.
func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(seconds)
}

// ObserveSpawnDisabled counts a profile withheld from a spawn view.
func (m *Metrics) ObserveSpawnDisabled(profile string) {
	if m == nil {
		return
	}
	m.SpawnDisabled.WithLabelValues(profile).Inc()
}
