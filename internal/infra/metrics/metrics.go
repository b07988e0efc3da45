// Package metrics provides Prometheus metrics for LNMT: counters and
// gauges for job runs, device presence, health probes, and authentication.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Scheduler ──────────────────────────────────────────────────────────────

// JobRunsTotal counts finished job runs by terminal status.
var JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnmt",
	Name:      "job_runs_total",
	Help:      "Total finished job runs by status.",
}, []string{"status"})

// JobsInFlight tracks currently executing job runs.
var JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "lnmt",
	Name:      "jobs_in_flight",
	Help:      "Number of currently executing job runs.",
})

// ─── Device tracker ─────────────────────────────────────────────────────────

// DevicesKnown tracks the number of devices in the store.
var DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "lnmt",
	Name:      "devices_known",
	Help:      "Number of known devices.",
})

// DevicesOnline tracks devices whose most recent sample was active.
var DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "lnmt",
	Name:      "devices_online",
	Help:      "Number of devices currently online.",
})

// SessionsOpen tracks open usage sessions.
var SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "lnmt",
	Name:      "usage_sessions_open",
	Help:      "Number of open usage sessions.",
})

// ThresholdBreaches counts vlan_threshold_breach events by VLAN.
var ThresholdBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnmt",
	Name:      "vlan_threshold_breaches_total",
	Help:      "Total VLAN bandwidth threshold breaches.",
}, []string{"vlan"})

// ─── Health / self-heal ─────────────────────────────────────────────────────

// ProbeSamples counts health probe samples by probe and status.
var ProbeSamples = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnmt",
	Name:      "health_probe_samples_total",
	Help:      "Total health probe samples by probe and status.",
}, []string{"probe", "status"})

// SelfHealAttempts counts self-heal recovery attempts by outcome.
var SelfHealAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnmt",
	Name:      "self_heal_attempts_total",
	Help:      "Total self-heal recovery attempts by outcome.",
}, []string{"outcome"})

// ─── Auth ───────────────────────────────────────────────────────────────────

// LoginAttempts counts login attempts by result (success, failure, lockout).
var LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lnmt",
	Name:      "login_attempts_total",
	Help:      "Total login attempts by result.",
}, []string{"result"})
