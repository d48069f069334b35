package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MatchesProvisioned counts matches for which all three cluster objects were created
var MatchesProvisioned = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchfleet_matches_provisioned_total",
		Help: "Total number of match workloads provisioned",
	},
	[]string{"ranked"},
)

// ProvisionFailures counts creation events whose workload never came up
var ProvisionFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchfleet_provision_failures_total",
		Help: "Total number of failed match provisioning attempts",
	},
	[]string{"stage"}, // create | record | readiness
)

// ProvisionDuration records time from create calls to the compute unit reporting ready
var ProvisionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "matchfleet_provision_duration_seconds",
		Help:    "Seconds from workload creation to pod readiness",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	},
)

// ActiveMatches tracks matches currently recorded in the state store
var ActiveMatches = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "matchfleet_active_matches",
		Help: "Number of matches currently active",
	},
)

// Lookup endpoint outcomes
var LookupRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchfleet_lookup_requests_total",
		Help: "Match lookup requests by outcome",
	},
	[]string{"outcome"}, // found | none | unauthorized | error
)

// Reconciler sweep results
var (
	SweepReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchfleet_sweep_reaped_total",
			Help: "Expired matches torn down by the reconciler",
		},
	)

	SweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchfleet_sweep_errors_total",
			Help: "Teardown failures encountered during reconciler sweeps",
		},
	)
)

// EventsDropped counts bus messages discarded as malformed
var EventsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchfleet_events_dropped_total",
		Help: "Malformed bus messages permanently discarded",
	},
	[]string{"stream"}, // create | result
)

func init() {
	prometheus.MustRegister(MatchesProvisioned, ProvisionFailures, ProvisionDuration)
	prometheus.MustRegister(ActiveMatches, LookupRequests)
	prometheus.MustRegister(SweepReaped, SweepErrors, EventsDropped)
}
